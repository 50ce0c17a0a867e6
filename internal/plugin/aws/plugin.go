// Package aws implements the AWS resource scanners.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/yairfalse/awsagent/internal/plugin"
	"github.com/yairfalse/awsagent/internal/retry"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// Plugin implements the AWS scanners for one account and region.
type Plugin struct {
	scope  entity.Scope
	policy retry.Policy
	logger zerolog.Logger

	// AWS clients (interfaces for testability)
	ec2Client         EC2API
	rdsClient         RDSAPI
	elbClient         ELBAPI
	classicELBClient  ClassicELBAPI
	asgClient         AutoScalingAPI
	dynamodbClient    DynamoDBAPI
	sqsClient         SQSAPI
	elasticacheClient ElastiCacheAPI
	iamClient         IAMAPI
	acmClient         ACMAPI
	route53Client     Route53API
}

// Config holds AWS plugin configuration.
type Config struct {
	// Region to scan. Empty means AWS_REGION or instance metadata.
	Region  string
	Profile string

	Retry  *retry.Policy
	Logger zerolog.Logger
}

// New creates an AWS plugin and resolves its scope. SDK retries are
// disabled; every call goes through the throttling policy instead.
func New(ctx context.Context, cfg Config) (*Plugin, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}

	if awsCfg.Region == "" {
		cfg.Logger.Info().Msg("region not configured, reading instance metadata")
		region, err := resolveRegion(ctx, imds.NewFromConfig(awsCfg), policy)
		if err != nil {
			return nil, err
		}
		awsCfg.Region = region
	}

	accountID, err := resolveAccountID(ctx, sts.NewFromConfig(awsCfg), policy)
	if err != nil {
		return nil, err
	}

	return &Plugin{
		scope:             entity.NewScope(accountID, awsCfg.Region),
		policy:            policy,
		logger:            cfg.Logger,
		ec2Client:         ec2.NewFromConfig(awsCfg),
		rdsClient:         rds.NewFromConfig(awsCfg),
		elbClient:         elasticloadbalancingv2.NewFromConfig(awsCfg),
		classicELBClient:  elasticloadbalancing.NewFromConfig(awsCfg),
		asgClient:         autoscaling.NewFromConfig(awsCfg),
		dynamodbClient:    dynamodb.NewFromConfig(awsCfg),
		sqsClient:         sqs.NewFromConfig(awsCfg),
		elasticacheClient: elasticache.NewFromConfig(awsCfg),
		iamClient:         iam.NewFromConfig(awsCfg),
		acmClient:         acm.NewFromConfig(awsCfg),
		route53Client:     route53.NewFromConfig(awsCfg),
	}, nil
}

func resolveRegion(ctx context.Context, client MetadataAPI, policy retry.Policy) (string, error) {
	out, err := retry.Do(ctx, policy, "imds.GetRegion", func(ctx context.Context) (*imds.GetRegionOutput, error) {
		return client.GetRegion(ctx, &imds.GetRegionInput{})
	})
	if err != nil {
		return "", fmt.Errorf("region not configured and instance metadata unavailable: %w", err)
	}
	if out.Region == "" {
		return "", errors.New("instance metadata returned an empty region")
	}
	return out.Region, nil
}

func resolveAccountID(ctx context.Context, client STSAPI, policy retry.Policy) (string, error) {
	out, err := retry.Do(ctx, policy, "sts.GetCallerIdentity", func(ctx context.Context) (*sts.GetCallerIdentityOutput, error) {
		return client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", errors.New("cannot determine infrastructure account id")
	}
	return account, nil
}

// Scope returns the (account, region) this plugin scans.
func (p *Plugin) Scope() entity.Scope {
	return p.scope
}

type scanner struct {
	kind entity.Kind
	fn   func(context.Context) ([]entity.Entity, error)
}

func (p *Plugin) scanners() []scanner {
	return []scanner{
		{entity.KindInstance, p.scanInstances},
		{entity.KindLoadBalancer, p.scanLoadBalancers},
		{entity.KindAutoScalingGroup, p.scanAutoScalingGroups},
		{entity.KindDatabase, p.scanRDS},
		{entity.KindDynamoDB, p.scanDynamoDB},
		{entity.KindQueue, p.scanSQS},
		{entity.KindElastiCache, p.scanElastiCache},
		{entity.KindCertificate, p.scanCertificates},
	}
}

// Scanners returns one scanner per AWS entity kind.
func (p *Plugin) Scanners() []plugin.Scanner {
	defs := p.scanners()
	out := make([]plugin.Scanner, 0, len(defs))
	for _, s := range defs {
		out = append(out, plugin.Func{K: s.kind, Fn: s.fn})
	}
	return out
}

// newEntity creates an entity in the plugin's scope.
func (p *Plugin) newEntity(name string, attrs entity.Attributes) entity.Entity {
	return entity.New(p.scope, entity.ScopedID(name, p.scope), attrs)
}

// call wraps one SDK call in the throttling policy.
func call[T any](ctx context.Context, p *Plugin, op string, fn func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, p.policy, op, fn)
}

// collect applies convert to every item, dropping skips.
func collect[T any](p *Plugin, kind entity.Kind, items []T, convert func(T) (entity.Entity, error)) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(items))
	for _, item := range items {
		e, err := convert(item)
		if err != nil {
			if entity.IsSkip(err) {
				p.logger.Debug().Err(err).Str("scanner", string(kind)).Msg("resource skipped")
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
