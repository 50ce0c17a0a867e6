package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/awsagent/pkg/entity"
)

const (
	tagName         = "Name"
	tagStackName    = "StackName"
	tagStackVersion = "StackVersion"
	tagLogicalID    = "aws:cloudformation:logical-id"

	// imageDateLayout writes UTC as "+00:00" rather than "Z".
	imageDateLayout = "2006-01-02T15:04:05.000-07:00"

	// instanceStatusBatch is the DescribeInstanceStatus id limit.
	instanceStatusBatch = 100
)

// scanInstances scans running EC2 instances.
func (p *Plugin) scanInstances(ctx context.Context) ([]entity.Entity, error) {
	var instances []ec2types.Instance
	var nextToken *string

	for {
		output, err := call(ctx, p, "ec2.DescribeInstances", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
			return p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{NextToken: nextToken})
		})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			instances = append(instances, reservation.Instances...)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	running := instances[:0]
	for _, instance := range instances {
		if instance.State != nil && instance.State.Name == ec2types.InstanceStateNameRunning {
			running = append(running, instance)
		}
	}

	images, err := p.describeImages(ctx, running)
	if err != nil {
		return nil, err
	}

	entities, err := collect(p, entity.KindInstance, running, func(instance ec2types.Instance) (entity.Entity, error) {
		ud, err := p.instanceUserData(ctx, aws.ToString(instance.InstanceId))
		if err != nil {
			return entity.Entity{}, err
		}
		return p.convertInstance(instance, ud, images)
	})
	if err != nil {
		return nil, err
	}

	// Only application instances are checked for scheduled events.
	var appIDs []string
	for _, e := range entities {
		if a := e.Attrs.(entity.InstanceAttrs); a.ApplicationID != "" {
			appIDs = append(appIDs, a.AWSID)
		}
	}
	events, err := p.describeInstanceEvents(ctx, appIDs)
	if err != nil {
		return nil, err
	}
	for i, e := range entities {
		a := e.Attrs.(entity.InstanceAttrs)
		if ev, ok := events[a.AWSID]; ok {
			a.Events = ev
			entities[i].Attrs = a
		}
	}
	return entities, nil
}

// describeInstanceEvents returns scheduled events per instance id.
func (p *Plugin) describeInstanceEvents(ctx context.Context, ids []string) (map[string][]entity.InstanceEvent, error) {
	events := make(map[string][]entity.InstanceEvent)
	for start := 0; start < len(ids); start += instanceStatusBatch {
		batch := ids[start:min(start+instanceStatusBatch, len(ids))]

		var nextToken *string
		for {
			output, err := call(ctx, p, "ec2.DescribeInstanceStatus", func(ctx context.Context) (*ec2.DescribeInstanceStatusOutput, error) {
				return p.ec2Client.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{InstanceIds: batch, NextToken: nextToken})
			})
			if err != nil {
				return nil, fmt.Errorf("describe instance status: %w", err)
			}

			for _, status := range output.InstanceStatuses {
				for _, ev := range status.Events {
					id := aws.ToString(status.InstanceId)
					events[id] = append(events[id], entity.InstanceEvent{
						Code:        string(ev.Code),
						Description: aws.ToString(ev.Description),
						NotBefore:   formatTime(ev.NotBefore),
						NotAfter:    formatTime(ev.NotAfter),
					})
				}
			}

			if output.NextToken == nil {
				break
			}
			nextToken = output.NextToken
		}
	}
	return events, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (p *Plugin) instanceUserData(ctx context.Context, instanceID string) (*UserData, error) {
	output, err := call(ctx, p, "ec2.DescribeInstanceAttribute", func(ctx context.Context) (*ec2.DescribeInstanceAttributeOutput, error) {
		return p.ec2Client.DescribeInstanceAttribute(ctx, &ec2.DescribeInstanceAttributeInput{
			InstanceId: aws.String(instanceID),
			Attribute:  ec2types.InstanceAttributeNameUserData,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("describe user data of %s: %w", instanceID, err)
	}
	if output.UserData == nil || aws.ToString(output.UserData.Value) == "" {
		return nil, nil
	}

	ud, err := ParseUserData(aws.ToString(output.UserData.Value))
	if err != nil {
		p.logger.Debug().Err(err).Str("instance_id", instanceID).Msg("unreadable user data")
		return nil, nil
	}
	return ud, nil
}

// describeImages fetches image metadata for the given instances. Images
// that were deregistered are simply absent from the result.
func (p *Plugin) describeImages(ctx context.Context, instances []ec2types.Instance) (map[string]entity.Image, error) {
	seen := make(map[string]struct{})
	for _, instance := range instances {
		if id := aws.ToString(instance.ImageId); id != "" {
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	output, err := call(ctx, p, "ec2.DescribeImages", func(ctx context.Context) (*ec2.DescribeImagesOutput, error) {
		return p.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: ids})
	})
	if err != nil {
		return nil, fmt.Errorf("describe images: %w", err)
	}

	images := make(map[string]entity.Image, len(output.Images))
	for _, img := range output.Images {
		images[aws.ToString(img.ImageId)] = entity.Image{
			ID:   aws.ToString(img.ImageId),
			Name: aws.ToString(img.Name),
			Date: imageDate(aws.ToString(img.CreationDate)),
		}
	}
	return images, nil
}

// imageDate rewrites an image creation date with an explicit offset.
// Unparseable dates are kept as reported.
func imageDate(raw string) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return t.Format(imageDateLayout)
}

func (p *Plugin) convertInstance(instance ec2types.Instance, ud *UserData, images map[string]entity.Image) (entity.Entity, error) {
	awsID := aws.ToString(instance.InstanceId)
	ip := aws.ToString(instance.PrivateIpAddress)
	if ip == "" {
		return entity.Entity{}, entity.Skip(awsID, "no private ip")
	}

	tags := tagMap(instance.Tags)
	attrs := entity.InstanceAttrs{
		AWSID:        awsID,
		IP:           ip,
		Host:         ip,
		PublicIP:     aws.ToString(instance.PublicIpAddress),
		InstanceType: string(instance.InstanceType),
		SpotInstance: instance.InstanceLifecycle == ec2types.InstanceLifecycleTypeSpot,
		StateReason:  aws.ToString(instance.StateTransitionReason),
		Name:         tags[tagName],
		Stack:        tags[tagStackName],
		StackVersion: tags[tagStackVersion],
		ResourceID:   tags[tagLogicalID],
		BlockDevices: blockDevices(instance.BlockDeviceMappings),
	}
	if attrs.Stack == "" && attrs.StackVersion != "" {
		attrs.Stack = attrs.Name
	}

	if imageID := aws.ToString(instance.ImageId); imageID != "" {
		img, ok := images[imageID]
		if !ok {
			img = entity.Image{ID: imageID}
		}
		attrs.Image = img
	}

	if ud != nil {
		attrs.ApplicationID = ud.ApplicationID
		attrs.ApplicationVersion = ud.ApplicationVersion
		attrs.Source = ud.Source
		attrs.SourceBase = ud.SourceBase()
		attrs.Runtime = ud.Runtime
		attrs.Ports = ud.Ports.Values()
	}

	return p.newEntity(instanceName(attrs, awsID), attrs), nil
}

// instanceName prefers application and stack version, then the Name tag,
// then the instance id. The ip hash keeps replacements distinct.
func instanceName(a entity.InstanceAttrs, awsID string) string {
	suffix := entity.Hash(a.IP)
	switch {
	case a.ApplicationID != "" && a.StackVersion != "":
		return fmt.Sprintf("%s-%s-%s", a.ApplicationID, a.StackVersion, suffix)
	case a.Name != "":
		return fmt.Sprintf("%s-%s", a.Name, suffix)
	default:
		return fmt.Sprintf("%s-%s", awsID, suffix)
	}
}

func blockDevices(mappings []ec2types.InstanceBlockDeviceMapping) map[string]entity.BlockDevice {
	devices := make(map[string]entity.BlockDevice, len(mappings))
	for _, m := range mappings {
		if m.Ebs == nil {
			continue
		}
		devices[aws.ToString(m.DeviceName)] = entity.BlockDevice{
			VolumeID:            aws.ToString(m.Ebs.VolumeId),
			Status:              string(m.Ebs.Status),
			DeleteOnTermination: aws.ToBool(m.Ebs.DeleteOnTermination),
		}
	}
	return devices
}

func tagMap(tags []ec2types.Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, tag := range tags {
		m[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return m
}
