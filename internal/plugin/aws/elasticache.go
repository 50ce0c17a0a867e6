package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	elctypes "github.com/aws/aws-sdk-go-v2/service/elasticache/types"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// cacheClusterStatuses are the cluster states whose nodes serve traffic.
var cacheClusterStatuses = map[string]struct{}{
	"available":    {},
	"modifying":    {},
	"snapshotting": {},
}

// scanElastiCache scans available nodes of serving ElastiCache clusters.
func (p *Plugin) scanElastiCache(ctx context.Context) ([]entity.Entity, error) {
	var clusters []elctypes.CacheCluster
	var marker *string

	for {
		output, err := call(ctx, p, "elasticache.DescribeCacheClusters", func(ctx context.Context) (*elasticache.DescribeCacheClustersOutput, error) {
			return p.elasticacheClient.DescribeCacheClusters(ctx, &elasticache.DescribeCacheClustersInput{
				ShowCacheNodeInfo: aws.Bool(true),
				Marker:            marker,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("describe cache clusters: %w", err)
		}

		clusters = append(clusters, output.CacheClusters...)

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	var out []entity.Entity
	for _, c := range clusters {
		if _, ok := cacheClusterStatuses[aws.ToString(c.CacheClusterStatus)]; !ok {
			continue
		}
		nodes, err := collect(p, entity.KindElastiCache, c.CacheNodes, func(n elctypes.CacheNode) (entity.Entity, error) {
			return p.convertCacheNode(c, n)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}

func (p *Plugin) convertCacheNode(c elctypes.CacheCluster, n elctypes.CacheNode) (entity.Entity, error) {
	clusterID := aws.ToString(c.CacheClusterId)
	nodeID := aws.ToString(n.CacheNodeId)
	if aws.ToString(n.CacheNodeStatus) != "available" {
		return entity.Entity{}, entity.Skip(clusterID+"/"+nodeID, "node status "+aws.ToString(n.CacheNodeStatus))
	}

	attrs := entity.CacheNodeAttrs{
		ClusterID:        clusterID,
		NodeID:           nodeID,
		Engine:           aws.ToString(c.Engine),
		Version:          aws.ToString(c.EngineVersion),
		ClusterNumNodes:  int(aws.ToInt32(c.NumCacheNodes)),
		InstanceType:     aws.ToString(c.CacheNodeType),
		ReplicationGroup: aws.ToString(c.ReplicationGroupId),
	}
	if n.Endpoint != nil {
		attrs.Host = aws.ToString(n.Endpoint.Address)
		attrs.Port = int(aws.ToInt32(n.Endpoint.Port))
	}

	return p.newEntity(fmt.Sprintf("elc-%s-%s", clusterID, nodeID), attrs), nil
}
