package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/awsagent/pkg/entity"
)

func running() *types.InstanceState {
	return &types.InstanceState{Name: types.InstanceStateNameRunning}
}

func appInstances() *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			OwnerId: aws.String("1234"),
			Instances: []types.Instance{
				{
					State:                 running(),
					PrivateIpAddress:      aws.String("192.168.20.16"),
					PublicIpAddress:       aws.String("194.194.20.16"),
					InstanceType:          types.InstanceTypeT2Medium,
					InstanceId:            aws.String("ins-1"),
					StateTransitionReason: aws.String("state"),
					InstanceLifecycle:     types.InstanceLifecycleTypeSpot,
					ImageId:               aws.String("ami-1234"),
					BlockDeviceMappings: []types.InstanceBlockDeviceMapping{
						{
							DeviceName: aws.String("/dev/xvda"),
							Ebs: &types.EbsInstanceBlockDevice{
								VolumeId:            aws.String("vol-1"),
								Status:              types.AttachmentStatusAttached,
								DeleteOnTermination: aws.Bool(true),
							},
						},
						{DeviceName: aws.String("/dev/sdb")},
					},
					Tags: []types.Tag{
						{Key: aws.String("Name"), Value: aws.String("stack-1")},
						{Key: aws.String("StackVersion"), Value: aws.String("stack-1-1.0")},
						{Key: aws.String("aws:cloudformation:logical-id"), Value: aws.String("cd-app")},
					},
				},
				{
					State:            running(),
					PrivateIpAddress: aws.String("192.168.20.16"),
					InstanceType:     types.InstanceTypeT2Medium,
					InstanceId:       aws.String("ins-2"),
				},
				{
					State: &types.InstanceState{Name: types.InstanceStateNameTerminated},
				},
				{
					State:            running(),
					PrivateIpAddress: aws.String("192.168.20.17"),
					InstanceType:     types.InstanceTypeT2Medium,
					InstanceId:       aws.String("ins-3"),
					Tags:             []types.Tag{{Key: aws.String("Name"), Value: aws.String("myname")}},
				},
				{
					State:      running(),
					InstanceId: aws.String("ins-4"),
				},
			},
		}},
	}
}

func userData(s string) *ec2.DescribeInstanceAttributeOutput {
	return &ec2.DescribeInstanceAttributeOutput{
		UserData: &types.AttributeValue{Value: aws.String(base64.StdEncoding.EncodeToString([]byte(s)))},
	}
}

func TestScanInstances(t *testing.T) {
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return appInstances(), nil
		},
		DescribeInstanceAttributeFunc: func(_ context.Context, params *ec2.DescribeInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
			assert.Equal(t, types.InstanceAttributeNameUserData, params.Attribute)
			switch aws.ToString(params.InstanceId) {
			case "ins-1":
				return userData(`{"application_id": "app-1", "source": "registry/stups/zmon-aws-agent:cd81", "ports": [2222], "runtime": "docker", "application_version": "1.0"}`), nil
			case "ins-2":
				return userData(`{"no-application-id": "dummy"}`), nil
			default:
				return &ec2.DescribeInstanceAttributeOutput{}, nil
			}
		},
		DescribeImagesFunc: func(_ context.Context, params *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
			assert.Equal(t, []string{"ami-1234"}, params.ImageIds)
			return &ec2.DescribeImagesOutput{Images: []types.Image{{
				ImageId:      aws.String("ami-1234"),
				Name:         aws.String("Taupage-AMI-20170512-142225"),
				CreationDate: aws.String("2017-05-12T14:22:25.000Z"),
			}}}, nil
		},
		DescribeInstanceStatusFunc: func(_ context.Context, params *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
			assert.Equal(t, []string{"ins-1"}, params.InstanceIds)
			return &ec2.DescribeInstanceStatusOutput{InstanceStatuses: []types.InstanceStatus{{
				InstanceId: aws.String("ins-1"),
				Events: []types.InstanceStatusEvent{{
					Code:        types.EventCodeSystemReboot,
					Description: aws.String("scheduled reboot"),
					NotBefore:   aws.Time(time.Date(2017, 6, 1, 10, 0, 0, 0, time.UTC)),
				}},
			}}}, nil
		},
	}

	p := newTestPlugin()
	p.ec2Client = mock
	entities, err := p.scanInstances(context.Background())

	require.NoError(t, err)
	require.Len(t, entities, 3)

	hash16 := entity.Hash("192.168.20.16")
	assert.Equal(t, "app-1-stack-1-1.0-"+hash16+"[aws:1234:eu-central-1]", entities[0].ID)
	assert.Equal(t, "ins-2-"+hash16+"[aws:1234:eu-central-1]", entities[1].ID)
	assert.Equal(t, "myname-"+entity.Hash("192.168.20.17")+"[aws:1234:eu-central-1]", entities[2].ID)

	first := entities[0].Attrs.(entity.InstanceAttrs)
	assert.Equal(t, entity.KindInstance, entities[0].Type)
	assert.Equal(t, "ins-1", first.AWSID)
	assert.Equal(t, "192.168.20.16", first.Host)
	assert.Equal(t, "194.194.20.16", first.PublicIP)
	assert.Equal(t, "t2.medium", first.InstanceType)
	assert.True(t, first.SpotInstance)
	assert.Equal(t, "stack-1", first.Stack)
	assert.Equal(t, "stack-1-1.0", first.StackVersion)
	assert.Equal(t, "cd-app", first.ResourceID)
	assert.Equal(t, "app-1", first.ApplicationID)
	assert.Equal(t, "1.0", first.ApplicationVersion)
	assert.Equal(t, "registry/stups/zmon-aws-agent", first.SourceBase)
	assert.Equal(t, []int{2222}, first.Ports)
	assert.Equal(t, "docker", first.Runtime)
	assert.Equal(t, entity.Image{
		ID:   "ami-1234",
		Name: "Taupage-AMI-20170512-142225",
		Date: "2017-05-12T14:22:25.000+00:00",
	}, first.Image)
	assert.Equal(t, map[string]entity.BlockDevice{
		"/dev/xvda": {VolumeID: "vol-1", Status: "attached", DeleteOnTermination: true},
	}, first.BlockDevices)
	assert.Equal(t, []entity.InstanceEvent{{
		Code:        "system-reboot",
		Description: "scheduled reboot",
		NotBefore:   "2017-06-01T10:00:00Z",
	}}, first.Events)

	second := entities[1].Attrs.(entity.InstanceAttrs)
	assert.Empty(t, second.ApplicationID)
	assert.False(t, second.SpotInstance)
	assert.Equal(t, entity.Image{}, second.Image)
	assert.Empty(t, second.Events)

	// Instances without volumes still report an empty device map.
	fields, err := entities[1].Fields()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, fields["block_devices"])
	assert.NotContains(t, fields, "events")

	apps := entity.Applications(entities, testScope)
	require.Len(t, apps, 1)
	assert.Equal(t, "a-app-1[aws:1234:eu-central-1]", apps[0].ID)
}

func TestScanInstances_EventsBatched(t *testing.T) {
	var reservations []types.Instance
	for i := range 150 {
		reservations = append(reservations, types.Instance{
			State:            running(),
			InstanceId:       aws.String(fmt.Sprintf("i-%d", i)),
			PrivateIpAddress: aws.String(fmt.Sprintf("10.0.%d.%d", i/250, i%250)),
		})
	}

	var batches []int
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: reservations}}}, nil
		},
		DescribeInstanceAttributeFunc: func(_ context.Context, _ *ec2.DescribeInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
			return userData(`{"application_id": "app-1"}`), nil
		},
		DescribeInstanceStatusFunc: func(_ context.Context, params *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
			batches = append(batches, len(params.InstanceIds))
			return &ec2.DescribeInstanceStatusOutput{}, nil
		},
	}

	p := newTestPlugin()
	p.ec2Client = mock
	entities, err := p.scanInstances(context.Background())

	require.NoError(t, err)
	assert.Len(t, entities, 150)
	assert.Equal(t, []int{100, 50}, batches)
}

func TestScanInstances_EventsError(t *testing.T) {
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return appInstances(), nil
		},
		DescribeInstanceAttributeFunc: func(_ context.Context, _ *ec2.DescribeInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
			return userData(`{"application_id": "app-1"}`), nil
		},
		DescribeInstanceStatusFunc: func(_ context.Context, _ *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
			return nil, errors.New("access denied")
		},
	}

	p := newTestPlugin()
	p.ec2Client = mock
	_, err := p.scanInstances(context.Background())

	assert.ErrorContains(t, err, "describe instance status")
}

func TestImageDate(t *testing.T) {
	tests := map[string]string{
		"2017-05-12T14:22:25.000Z":      "2017-05-12T14:22:25.000+00:00",
		"2017-05-12T14:22:25Z":          "2017-05-12T14:22:25.000+00:00",
		"2017-05-12T16:22:25.123+02:00": "2017-05-12T16:22:25.123+02:00",
		"not a date":                    "not a date",
		"":                              "",
	}
	for raw, want := range tests {
		assert.Equal(t, want, imageDate(raw), raw)
	}
}

func TestScanInstances_Pagination(t *testing.T) {
	calls := 0
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			calls++
			if params.NextToken == nil {
				return &ec2.DescribeInstancesOutput{
					Reservations: []types.Reservation{{Instances: []types.Instance{
						{State: running(), InstanceId: aws.String("i-1"), PrivateIpAddress: aws.String("10.0.0.1")},
					}}},
					NextToken: aws.String("page2"),
				}, nil
			}
			assert.Equal(t, "page2", aws.ToString(params.NextToken))
			return &ec2.DescribeInstancesOutput{
				Reservations: []types.Reservation{{Instances: []types.Instance{
					{State: running(), InstanceId: aws.String("i-2"), PrivateIpAddress: aws.String("10.0.0.2")},
				}}},
			}, nil
		},
	}

	p := newTestPlugin()
	p.ec2Client = mock
	entities, err := p.scanInstances(context.Background())

	require.NoError(t, err)
	assert.Len(t, entities, 2)
	assert.Equal(t, 2, calls)
}

func TestScanInstances_RetriesThrottling(t *testing.T) {
	calls := 0
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			calls++
			if calls <= 3 {
				return nil, &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "Request limit exceeded."}
			}
			return &ec2.DescribeInstancesOutput{}, nil
		},
	}

	p := newTestPlugin()
	p.ec2Client = mock
	entities, err := p.scanInstances(context.Background())

	require.NoError(t, err)
	assert.Empty(t, entities)
	assert.Equal(t, 4, calls)
}

func TestScanInstances_UserDataError(t *testing.T) {
	mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			return appInstances(), nil
		},
		DescribeInstanceAttributeFunc: func(_ context.Context, _ *ec2.DescribeInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
			return nil, errors.New("access denied")
		},
	}

	p := newTestPlugin()
	p.ec2Client = mock
	_, err := p.scanInstances(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestConvertInstance_NoPrivateIPIsSkipped(t *testing.T) {
	p := newTestPlugin()
	_, err := p.convertInstance(types.Instance{InstanceId: aws.String("i-1"), State: running()}, nil, nil)

	assert.True(t, entity.IsSkip(err))
}

func TestScanAutoScalingGroups(t *testing.T) {
	asg := &mockASGClient{
		DescribeAutoScalingGroupsFunc: func(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			return &autoscaling.DescribeAutoScalingGroupsOutput{
				AutoScalingGroups: []asgtypes.AutoScalingGroup{{
					AutoScalingGroupName: aws.String("asg-1"),
					AvailabilityZones:    []string{"zone-1", "zone-2"},
					DesiredCapacity:      aws.Int32(3),
					MaxSize:              aws.Int32(10),
					MinSize:              aws.Int32(3),
					Instances: []asgtypes.Instance{
						{InstanceId: aws.String("ins-1"), LifecycleState: asgtypes.LifecycleStateInService},
						{InstanceId: aws.String("ins-2"), LifecycleState: asgtypes.LifecycleStateInService},
						{InstanceId: aws.String("ins-3"), LifecycleState: asgtypes.LifecycleStateInService},
						{InstanceId: aws.String("ins-4"), LifecycleState: asgtypes.LifecycleStatePending},
					},
				}},
			}, nil
		},
	}
	ec2Mock := &mockEC2Client{
		DescribeInstancesFunc: func(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
			assert.Equal(t, []string{"ins-1", "ins-2", "ins-3"}, params.InstanceIds)
			return &ec2.DescribeInstancesOutput{
				Reservations: []types.Reservation{{Instances: []types.Instance{
					{PrivateIpAddress: aws.String("192.168.20.16"), InstanceId: aws.String("ins-1")},
					{InstanceId: aws.String("ins-2")},
				}}},
			}, nil
		},
	}

	p := newTestPlugin()
	p.asgClient = asg
	p.ec2Client = ec2Mock
	entities, err := p.scanAutoScalingGroups(context.Background())

	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "asg-asg-1[aws:1234:eu-central-1]", entities[0].ID)

	attrs := entities[0].Attrs.(entity.AutoScalingGroupAttrs)
	assert.Equal(t, "asg-1", attrs.Name)
	assert.Equal(t, 3, attrs.DesiredCapacity)
	assert.Equal(t, 10, attrs.MaxSize)
	assert.Equal(t, []entity.ASGInstance{{AWSID: "ins-1", IP: "192.168.20.16"}}, attrs.Instances)
}

func TestScanAutoScalingGroups_Error(t *testing.T) {
	asg := &mockASGClient{
		DescribeAutoScalingGroupsFunc: func(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
			return nil, errors.New("access denied")
		},
	}

	p := newTestPlugin()
	p.asgClient = asg
	_, err := p.scanAutoScalingGroups(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
