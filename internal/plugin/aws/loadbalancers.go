package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbclassic "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// lbDetails is what the per-load-balancer calls add to the description.
type lbDetails struct {
	https         bool
	targetGroups  []string
	members       int
	activeMembers int
}

const (
	elbTypeClassic = "classic"

	// classicInService is the healthy classic instance state.
	classicInService = "InService"
)

// scanLoadBalancers scans classic, application and network load balancers
// and attaches the weighted DNS records pointing at them.
func (p *Plugin) scanLoadBalancers(ctx context.Context) ([]entity.Entity, error) {
	classic, err := p.scanClassicLoadBalancers(ctx)
	if err != nil {
		return nil, err
	}
	v2, err := p.scanV2LoadBalancers(ctx)
	if err != nil {
		return nil, err
	}
	lbs := append(classic, v2...)

	records, err := p.weightedRecords(ctx)
	if err != nil {
		return nil, err
	}
	for i, e := range lbs {
		attrs := e.Attrs.(entity.LoadBalancerAttrs)
		lbs[i].Attrs = withDNSWeights(attrs, records)
	}
	return lbs, nil
}

// scanClassicLoadBalancers scans classic load balancers and the health of
// their registered instances.
func (p *Plugin) scanClassicLoadBalancers(ctx context.Context) ([]entity.Entity, error) {
	var lbs []elbclassic.LoadBalancerDescription
	var marker *string

	for {
		output, err := call(ctx, p, "elb.DescribeLoadBalancers", func(ctx context.Context) (*elb.DescribeLoadBalancersOutput, error) {
			return p.classicELBClient.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{Marker: marker})
		})
		if err != nil {
			return nil, fmt.Errorf("describe classic load balancers: %w", err)
		}

		lbs = append(lbs, output.LoadBalancerDescriptions...)

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return collect(p, entity.KindLoadBalancer, lbs, func(lb elbclassic.LoadBalancerDescription) (entity.Entity, error) {
		name := aws.ToString(lb.LoadBalancerName)
		if aws.ToString(lb.DNSName) == "" {
			return entity.Entity{}, entity.Skip(name, "no dns name")
		}
		output, err := call(ctx, p, "elb.DescribeInstanceHealth", func(ctx context.Context) (*elb.DescribeInstanceHealthOutput, error) {
			return p.classicELBClient.DescribeInstanceHealth(ctx, &elb.DescribeInstanceHealthInput{LoadBalancerName: aws.String(name)})
		})
		if err != nil {
			return entity.Entity{}, fmt.Errorf("describe instance health of %s: %w", name, err)
		}
		active := 0
		for _, state := range output.InstanceStates {
			if aws.ToString(state.State) == classicInService {
				active++
			}
		}
		return p.convertClassicLoadBalancer(lb, active), nil
	})
}

func (p *Plugin) convertClassicLoadBalancer(lb elbclassic.LoadBalancerDescription, active int) entity.Entity {
	name := aws.ToString(lb.LoadBalancerName)
	dns := aws.ToString(lb.DNSName)

	protocol := "http"
	if len(lb.ListenerDescriptions) > 0 && lb.ListenerDescriptions[0].Listener != nil {
		if proto := aws.ToString(lb.ListenerDescriptions[0].Listener.Protocol); proto != "" {
			protocol = strings.ToLower(proto)
		}
	}

	return p.newEntity("elb-"+name, entity.LoadBalancerAttrs{
		Name:          name,
		DNSName:       dns,
		Host:          dns,
		ELBType:       elbTypeClassic,
		Scheme:        aws.ToString(lb.Scheme),
		URL:           protocol + "://" + dns,
		Members:       len(lb.Instances),
		ActiveMembers: active,
	})
}

// scanV2LoadBalancers scans application and network load balancers.
func (p *Plugin) scanV2LoadBalancers(ctx context.Context) ([]entity.Entity, error) {
	var lbs []elbtypes.LoadBalancer
	var marker *string

	for {
		output, err := call(ctx, p, "elbv2.DescribeLoadBalancers", func(ctx context.Context) (*elbv2.DescribeLoadBalancersOutput, error) {
			return p.elbClient.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{Marker: marker})
		})
		if err != nil {
			return nil, fmt.Errorf("describe load balancers: %w", err)
		}

		lbs = append(lbs, output.LoadBalancers...)

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return collect(p, entity.KindLoadBalancer, lbs, func(lb elbtypes.LoadBalancer) (entity.Entity, error) {
		if aws.ToString(lb.DNSName) == "" {
			return entity.Entity{}, entity.Skip(aws.ToString(lb.LoadBalancerName), "no dns name")
		}
		details, err := p.describeLoadBalancer(ctx, aws.ToString(lb.LoadBalancerArn))
		if err != nil {
			return entity.Entity{}, err
		}
		return p.convertLoadBalancer(lb, details)
	})
}

func (p *Plugin) describeLoadBalancer(ctx context.Context, arn string) (lbDetails, error) {
	var d lbDetails

	var marker *string
	for {
		output, err := call(ctx, p, "elbv2.DescribeListeners", func(ctx context.Context) (*elbv2.DescribeListenersOutput, error) {
			return p.elbClient.DescribeListeners(ctx, &elbv2.DescribeListenersInput{LoadBalancerArn: aws.String(arn), Marker: marker})
		})
		if err != nil {
			return d, fmt.Errorf("describe listeners of %s: %w", arn, err)
		}
		for _, l := range output.Listeners {
			if l.Protocol == elbtypes.ProtocolEnumHttps {
				d.https = true
			}
		}
		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	marker = nil
	for {
		output, err := call(ctx, p, "elbv2.DescribeTargetGroups", func(ctx context.Context) (*elbv2.DescribeTargetGroupsOutput, error) {
			return p.elbClient.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{LoadBalancerArn: aws.String(arn), Marker: marker})
		})
		if err != nil {
			return d, fmt.Errorf("describe target groups of %s: %w", arn, err)
		}
		for _, tg := range output.TargetGroups {
			d.targetGroups = append(d.targetGroups, aws.ToString(tg.TargetGroupArn))
		}
		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	for _, tgARN := range d.targetGroups {
		output, err := call(ctx, p, "elbv2.DescribeTargetHealth", func(ctx context.Context) (*elbv2.DescribeTargetHealthOutput, error) {
			return p.elbClient.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{TargetGroupArn: aws.String(tgARN)})
		})
		if err != nil {
			return d, fmt.Errorf("describe target health of %s: %w", tgARN, err)
		}
		for _, th := range output.TargetHealthDescriptions {
			d.members++
			if th.TargetHealth != nil && th.TargetHealth.State == elbtypes.TargetHealthStateEnumHealthy {
				d.activeMembers++
			}
		}
	}

	return d, nil
}

func (p *Plugin) convertLoadBalancer(lb elbtypes.LoadBalancer, d lbDetails) (entity.Entity, error) {
	name := aws.ToString(lb.LoadBalancerName)
	dns := aws.ToString(lb.DNSName)

	scheme := "http"
	if d.https {
		scheme = "https"
	}

	attrs := entity.LoadBalancerAttrs{
		Name:             name,
		DNSName:          dns,
		Host:             dns,
		ELBType:          string(lb.Type),
		Scheme:           string(lb.Scheme),
		URL:              scheme + "://" + dns,
		CloudWatchName:   cloudWatchName(aws.ToString(lb.LoadBalancerArn)),
		Members:          d.members,
		ActiveMembers:    d.activeMembers,
		TargetGroups:     len(d.targetGroups),
		TargetGroupsARNs: d.targetGroups,
	}

	return p.newEntity("elb-"+name, attrs), nil
}

// cloudWatchName is the metric dimension form of a load balancer ARN,
// e.g. "app/my-lb/50dc6c495c0c9188".
func cloudWatchName(arn string) string {
	_, after, found := strings.Cut(arn, "/")
	if !found {
		return ""
	}
	return after
}
