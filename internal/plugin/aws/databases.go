package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// scanRDS scans RDS instances.
func (p *Plugin) scanRDS(ctx context.Context) ([]entity.Entity, error) {
	var instances []rdstypes.DBInstance
	var marker *string

	for {
		output, err := call(ctx, p, "rds.DescribeDBInstances", func(ctx context.Context) (*rds.DescribeDBInstancesOutput, error) {
			return p.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		})
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}

		instances = append(instances, output.DBInstances...)

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return collect(p, entity.KindDatabase, instances, p.convertRDSInstance)
}

func (p *Plugin) convertRDSInstance(instance rdstypes.DBInstance) (entity.Entity, error) {
	id := aws.ToString(instance.DBInstanceIdentifier)
	if instance.Endpoint == nil || aws.ToString(instance.Endpoint.Address) == "" {
		return entity.Entity{}, entity.Skip(id, "no endpoint yet")
	}

	host := aws.ToString(instance.Endpoint.Address)
	port := int(aws.ToInt32(instance.Endpoint.Port))

	dbName := aws.ToString(instance.DBName)
	if dbName == "" {
		dbName = id
	}

	attrs := entity.DatabaseAttrs{
		Name:         id,
		Engine:       aws.ToString(instance.Engine),
		Version:      aws.ToString(instance.EngineVersion),
		Host:         host,
		Port:         port,
		InstanceType: aws.ToString(instance.DBInstanceClass),
		StorageType:  aws.ToString(instance.StorageType),
		StorageSize:  int(aws.ToInt32(instance.AllocatedStorage)),
		Shards:       map[string]string{dbName: fmt.Sprintf("%s:%d/%s", host, port, dbName)},
	}

	return p.newEntity("rds-"+id, attrs), nil
}
