package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// scanAutoScalingGroups scans auto scaling groups with their in-service members.
func (p *Plugin) scanAutoScalingGroups(ctx context.Context) ([]entity.Entity, error) {
	var groups []asgtypes.AutoScalingGroup
	var nextToken *string

	for {
		output, err := call(ctx, p, "autoscaling.DescribeAutoScalingGroups", func(ctx context.Context) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			return p.asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: nextToken})
		})
		if err != nil {
			return nil, fmt.Errorf("describe auto scaling groups: %w", err)
		}

		groups = append(groups, output.AutoScalingGroups...)

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return collect(p, entity.KindAutoScalingGroup, groups, func(g asgtypes.AutoScalingGroup) (entity.Entity, error) {
		ips, err := p.privateIPs(ctx, inServiceIDs(g))
		if err != nil {
			return entity.Entity{}, err
		}
		return p.convertAutoScalingGroup(g, ips)
	})
}

func inServiceIDs(g asgtypes.AutoScalingGroup) []string {
	var ids []string
	for _, i := range g.Instances {
		if i.LifecycleState == asgtypes.LifecycleStateInService {
			ids = append(ids, aws.ToString(i.InstanceId))
		}
	}
	return ids
}

// privateIPs maps instance ids to private IPs. Instances without one are absent.
func (p *Plugin) privateIPs(ctx context.Context, ids []string) (map[string]string, error) {
	ips := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return ips, nil
	}

	var nextToken *string
	for {
		output, err := call(ctx, p, "ec2.DescribeInstances", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
			return p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids, NextToken: nextToken})
		})
		if err != nil {
			return nil, fmt.Errorf("describe group instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				if ip := aws.ToString(instance.PrivateIpAddress); ip != "" {
					ips[aws.ToString(instance.InstanceId)] = ip
				}
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return ips, nil
}

func (p *Plugin) convertAutoScalingGroup(g asgtypes.AutoScalingGroup, ips map[string]string) (entity.Entity, error) {
	name := aws.ToString(g.AutoScalingGroupName)
	if name == "" {
		return entity.Entity{}, entity.Skip("asg", "no name")
	}

	members := make([]entity.ASGInstance, 0, len(ips))
	for _, id := range inServiceIDs(g) {
		if ip, ok := ips[id]; ok {
			members = append(members, entity.ASGInstance{AWSID: id, IP: ip})
		}
	}

	attrs := entity.AutoScalingGroupAttrs{
		Name:              name,
		AvailabilityZones: g.AvailabilityZones,
		DesiredCapacity:   int(aws.ToInt32(g.DesiredCapacity)),
		MaxSize:           int(aws.ToInt32(g.MaxSize)),
		MinSize:           int(aws.ToInt32(g.MinSize)),
		Instances:         members,
	}

	return p.newEntity("asg-"+name, attrs), nil
}
