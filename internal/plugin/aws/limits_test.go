package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/awsagent/pkg/entity"
)

func quotaPlugin() *Plugin {
	p := newTestPlugin()
	p.ec2Client = &mockEC2Client{
		DescribeAccountAttributesFunc: func(_ context.Context, _ *ec2.DescribeAccountAttributesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAccountAttributesOutput, error) {
			return &ec2.DescribeAccountAttributesOutput{AccountAttributes: []types.AccountAttribute{
				{AttributeName: aws.String("max-instances"), AttributeValues: []types.AccountAttributeValue{{AttributeValue: aws.String("5")}}},
				{AttributeName: aws.String("supported-platforms"), AttributeValues: []types.AccountAttributeValue{{AttributeValue: aws.String("VPC")}}},
			}}, nil
		},
	}
	p.rdsClient = &mockRDSClient{
		DescribeAccountAttributesFunc: func(_ context.Context, _ *rds.DescribeAccountAttributesInput, _ ...func(*rds.Options)) (*rds.DescribeAccountAttributesOutput, error) {
			return &rds.DescribeAccountAttributesOutput{AccountQuotas: []rdstypes.AccountQuota{
				{AccountQuotaName: aws.String("ReservedDBInstances"), Max: aws.Int64(40), Used: aws.Int64(2)},
				{AccountQuotaName: aws.String("AllocatedStorage"), Max: aws.Int64(100000), Used: aws.Int64(500)},
				{AccountQuotaName: aws.String("DBClusters"), Max: aws.Int64(40), Used: aws.Int64(1)},
			}}, nil
		},
	}
	p.asgClient = &mockASGClient{
		DescribeAccountLimitsFunc: func(_ context.Context, _ *autoscaling.DescribeAccountLimitsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAccountLimitsOutput, error) {
			return &autoscaling.DescribeAccountLimitsOutput{
				MaxNumberOfAutoScalingGroups:    aws.Int32(200),
				MaxNumberOfLaunchConfigurations: aws.Int32(200),
				NumberOfAutoScalingGroups:       aws.Int32(12),
				NumberOfLaunchConfigurations:    aws.Int32(30),
			}, nil
		},
	}
	p.iamClient = &mockIAMClient{
		GetAccountSummaryFunc: func(_ context.Context, _ *iam.GetAccountSummaryInput, _ ...func(*iam.Options)) (*iam.GetAccountSummaryOutput, error) {
			return &iam.GetAccountSummaryOutput{SummaryMap: map[string]int32{
				"ServerCertificates":      3,
				"ServerCertificatesQuota": 20,
				"InstanceProfiles":        10,
				"InstanceProfilesQuota":   1000,
				"Policies":                5,
				"PoliciesQuota":           1500,
				"Users":                   7,
			}}, nil
		},
	}
	return p
}

func TestAccountQuotas(t *testing.T) {
	quotas, err := quotaPlugin().AccountQuotas(context.Background())

	require.NoError(t, err)
	assert.Equal(t, entity.LimitsAttrs{
		"ec2-max-instances":              5,
		"rds-max-reserved":               40,
		"rds-used-reserved":              2,
		"rds-max-allocated":              100000,
		"rds-used-allocated":             500,
		"asg-max-groups":                 200,
		"asg-max-launch-configurations":  200,
		"asg-used-groups":                12,
		"asg-used-launch-configurations": 30,
		"iam-used-server-certificates":   3,
		"iam-max-server-certificates":    20,
		"iam-used-instance-profiles":     10,
		"iam-max-instance-profiles":      1000,
		"iam-used-policies":              5,
		"iam-max-policies":               1500,
	}, quotas)
}

func TestAccountQuotas_UnreadableInstanceQuota(t *testing.T) {
	p := quotaPlugin()
	p.ec2Client = &mockEC2Client{
		DescribeAccountAttributesFunc: func(_ context.Context, _ *ec2.DescribeAccountAttributesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAccountAttributesOutput, error) {
			return &ec2.DescribeAccountAttributesOutput{AccountAttributes: []types.AccountAttribute{
				{AttributeName: aws.String("max-instances"), AttributeValues: []types.AccountAttributeValue{{AttributeValue: aws.String("lots")}}},
			}}, nil
		},
	}

	quotas, err := p.AccountQuotas(context.Background())

	require.NoError(t, err)
	assert.NotContains(t, quotas, "ec2-max-instances")
	assert.Equal(t, 200, quotas["asg-max-groups"])
}

func TestAccountQuotas_ServiceErrorFailsRead(t *testing.T) {
	p := quotaPlugin()
	p.rdsClient = &mockRDSClient{
		DescribeAccountAttributesFunc: func(_ context.Context, _ *rds.DescribeAccountAttributesInput, _ ...func(*rds.Options)) (*rds.DescribeAccountAttributesOutput, error) {
			return nil, errors.New("access denied")
		},
	}

	quotas, err := p.AccountQuotas(context.Background())

	assert.Nil(t, quotas)
	assert.ErrorContains(t, err, "describe rds account attributes")
}
