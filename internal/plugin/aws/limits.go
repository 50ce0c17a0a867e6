package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// rdsQuotaKeys maps RDS account quota names to limit key suffixes.
var rdsQuotaKeys = map[string]string{
	"ReservedDBInstances": "reserved",
	"AllocatedStorage":    "allocated",
}

// iamSummaryKeys maps IAM account summary entries to limit key suffixes.
var iamSummaryKeys = map[string]string{
	"ServerCertificates": "server-certificates",
	"InstanceProfiles":   "instance-profiles",
	"Policies":           "policies",
}

// AccountQuotas reads the EC2, RDS, Auto Scaling and IAM service quotas of
// the account. Any failing service fails the whole read.
func (p *Plugin) AccountQuotas(ctx context.Context) (entity.LimitsAttrs, error) {
	quotas := make(entity.LimitsAttrs)
	readers := []func(context.Context, entity.LimitsAttrs) error{
		p.ec2Quotas,
		p.rdsQuotas,
		p.autoScalingQuotas,
		p.iamQuotas,
	}

	var errs []error
	for _, read := range readers {
		if err := read(ctx, quotas); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return quotas, nil
}

func (p *Plugin) ec2Quotas(ctx context.Context, quotas entity.LimitsAttrs) error {
	output, err := call(ctx, p, "ec2.DescribeAccountAttributes", func(ctx context.Context) (*ec2.DescribeAccountAttributesOutput, error) {
		return p.ec2Client.DescribeAccountAttributes(ctx, &ec2.DescribeAccountAttributesInput{})
	})
	if err != nil {
		return fmt.Errorf("describe ec2 account attributes: %w", err)
	}
	for _, attr := range output.AccountAttributes {
		if aws.ToString(attr.AttributeName) != "max-instances" || len(attr.AttributeValues) == 0 {
			continue
		}
		n, err := strconv.Atoi(aws.ToString(attr.AttributeValues[0].AttributeValue))
		if err != nil {
			p.logger.Debug().Err(err).Msg("unreadable max-instances attribute")
			continue
		}
		quotas["ec2-max-instances"] = n
	}
	return nil
}

func (p *Plugin) rdsQuotas(ctx context.Context, quotas entity.LimitsAttrs) error {
	output, err := call(ctx, p, "rds.DescribeAccountAttributes", func(ctx context.Context) (*rds.DescribeAccountAttributesOutput, error) {
		return p.rdsClient.DescribeAccountAttributes(ctx, &rds.DescribeAccountAttributesInput{})
	})
	if err != nil {
		return fmt.Errorf("describe rds account attributes: %w", err)
	}
	for _, q := range output.AccountQuotas {
		suffix, ok := rdsQuotaKeys[aws.ToString(q.AccountQuotaName)]
		if !ok {
			continue
		}
		quotas["rds-max-"+suffix] = int(aws.ToInt64(q.Max))
		quotas["rds-used-"+suffix] = int(aws.ToInt64(q.Used))
	}
	return nil
}

func (p *Plugin) autoScalingQuotas(ctx context.Context, quotas entity.LimitsAttrs) error {
	output, err := call(ctx, p, "autoscaling.DescribeAccountLimits", func(ctx context.Context) (*autoscaling.DescribeAccountLimitsOutput, error) {
		return p.asgClient.DescribeAccountLimits(ctx, &autoscaling.DescribeAccountLimitsInput{})
	})
	if err != nil {
		return fmt.Errorf("describe auto scaling account limits: %w", err)
	}
	quotas["asg-max-groups"] = int(aws.ToInt32(output.MaxNumberOfAutoScalingGroups))
	quotas["asg-max-launch-configurations"] = int(aws.ToInt32(output.MaxNumberOfLaunchConfigurations))
	quotas["asg-used-groups"] = int(aws.ToInt32(output.NumberOfAutoScalingGroups))
	quotas["asg-used-launch-configurations"] = int(aws.ToInt32(output.NumberOfLaunchConfigurations))
	return nil
}

func (p *Plugin) iamQuotas(ctx context.Context, quotas entity.LimitsAttrs) error {
	output, err := call(ctx, p, "iam.GetAccountSummary", func(ctx context.Context) (*iam.GetAccountSummaryOutput, error) {
		return p.iamClient.GetAccountSummary(ctx, &iam.GetAccountSummaryInput{})
	})
	if err != nil {
		return fmt.Errorf("get iam account summary: %w", err)
	}
	for name, suffix := range iamSummaryKeys {
		if used, ok := output.SummaryMap[name]; ok {
			quotas["iam-used-"+suffix] = int(used)
		}
		if limit, ok := output.SummaryMap[name+"Quota"]; ok {
			quotas["iam-max-"+suffix] = int(limit)
		}
	}
	return nil
}
