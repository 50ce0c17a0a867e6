package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// weightedRecord is a weighted Route 53 record aliasing or pointing to a host.
type weightedRecord struct {
	name   string
	target string
	weight int
}

// weightedRecords lists the weighted CNAME and alias records of every
// hosted zone visible to the account.
func (p *Plugin) weightedRecords(ctx context.Context) ([]weightedRecord, error) {
	var zones []r53types.HostedZone
	var marker *string

	for {
		output, err := call(ctx, p, "route53.ListHostedZones", func(ctx context.Context) (*route53.ListHostedZonesOutput, error) {
			return p.route53Client.ListHostedZones(ctx, &route53.ListHostedZonesInput{Marker: marker})
		})
		if err != nil {
			return nil, fmt.Errorf("list hosted zones: %w", err)
		}
		zones = append(zones, output.HostedZones...)
		if !output.IsTruncated || output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	var records []weightedRecord
	for _, zone := range zones {
		zoneRecords, err := p.zoneWeightedRecords(ctx, aws.ToString(zone.Id))
		if err != nil {
			return nil, err
		}
		records = append(records, zoneRecords...)
	}
	return records, nil
}

func (p *Plugin) zoneWeightedRecords(ctx context.Context, zoneID string) ([]weightedRecord, error) {
	input := &route53.ListResourceRecordSetsInput{HostedZoneId: aws.String(zoneID)}
	var records []weightedRecord

	for {
		output, err := call(ctx, p, "route53.ListResourceRecordSets", func(ctx context.Context) (*route53.ListResourceRecordSetsOutput, error) {
			return p.route53Client.ListResourceRecordSets(ctx, input)
		})
		if err != nil {
			return nil, fmt.Errorf("list records of zone %s: %w", zoneID, err)
		}

		for _, rr := range output.ResourceRecordSets {
			if r, ok := toWeightedRecord(rr); ok {
				records = append(records, r)
			}
		}

		if !output.IsTruncated {
			break
		}
		input = &route53.ListResourceRecordSetsInput{
			HostedZoneId:          aws.String(zoneID),
			StartRecordName:       output.NextRecordName,
			StartRecordType:       output.NextRecordType,
			StartRecordIdentifier: output.NextRecordIdentifier,
		}
	}
	return records, nil
}

// toWeightedRecord keeps records with a set identifier and a weight that
// are either CNAMEs or aliases.
func toWeightedRecord(rr r53types.ResourceRecordSet) (weightedRecord, bool) {
	if aws.ToString(rr.SetIdentifier) == "" || rr.Weight == nil {
		return weightedRecord{}, false
	}

	var target string
	switch {
	case rr.AliasTarget != nil && aws.ToString(rr.AliasTarget.DNSName) != "":
		target = aws.ToString(rr.AliasTarget.DNSName)
	case rr.Type == r53types.RRTypeCname && len(rr.ResourceRecords) > 0:
		target = aws.ToString(rr.ResourceRecords[0].Value)
	default:
		return weightedRecord{}, false
	}

	return weightedRecord{
		name:   normalizeDNSName(aws.ToString(rr.Name)),
		target: normalizeDNSName(target),
		weight: int(aws.ToInt64(rr.Weight)),
	}, true
}

// normalizeDNSName lowercases and drops the root dot and the dualstack
// prefix Route 53 adds to load balancer aliases.
func normalizeDNSName(name string) string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	return strings.TrimPrefix(name, "dualstack.")
}

// withDNSWeights sets the names and weights of records resolving to the
// load balancer. The total sums every weighted record sharing those names.
func withDNSWeights(attrs entity.LoadBalancerAttrs, records []weightedRecord) entity.LoadBalancerAttrs {
	host := normalizeDNSName(attrs.DNSName)
	if host == "" {
		return attrs
	}

	names := make(map[string]struct{})
	weight := 0
	for _, r := range records {
		if r.target == host {
			names[r.name] = struct{}{}
			weight += r.weight
		}
	}
	if len(names) == 0 {
		return attrs
	}

	total := 0
	for _, r := range records {
		if _, ok := names[r.name]; ok {
			total += r.weight
		}
	}

	attrs.DNSNames = make([]string, 0, len(names))
	for name := range names {
		attrs.DNSNames = append(attrs.DNSNames, name)
	}
	sort.Strings(attrs.DNSNames)
	attrs.DNSTrafficWeight = weight
	attrs.DNSTrafficWeightTotal = total
	return attrs
}
