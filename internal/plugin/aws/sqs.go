package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// queueInfo is what the per-queue calls return.
type queueInfo struct {
	url         string
	attributes  map[string]string
	deadSources []string
}

// queueGoneCodes mean the queue was deleted between listing and describing.
var queueGoneCodes = map[string]struct{}{
	"AWS.SimpleQueueService.NonExistentQueue": {},
	"QueueDoesNotExist":                       {},
}

// redrivePolicy is the JSON document in the RedrivePolicy attribute.
// maxReceiveCount is a number or a string depending on how it was set.
type redrivePolicy struct {
	DeadLetterTargetARN string          `json:"deadLetterTargetArn"`
	MaxReceiveCount     json.RawMessage `json:"maxReceiveCount"`
}

// scanSQS scans SQS queues with their attributes and dead letter sources.
func (p *Plugin) scanSQS(ctx context.Context) ([]entity.Entity, error) {
	var urls []string
	var nextToken *string

	for {
		output, err := call(ctx, p, "sqs.ListQueues", func(ctx context.Context) (*sqs.ListQueuesOutput, error) {
			return p.sqsClient.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: nextToken})
		})
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}

		urls = append(urls, output.QueueUrls...)

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return collect(p, entity.KindQueue, urls, func(url string) (entity.Entity, error) {
		info, err := p.describeQueue(ctx, url)
		if err != nil {
			if queueGone(err) {
				return entity.Entity{}, entity.Skip(url, err.Error())
			}
			return entity.Entity{}, err
		}
		return p.convertQueue(info)
	})
}

// queueGone reports whether err says the queue no longer exists.
func queueGone(err error) bool {
	var missing *sqstypes.QueueDoesNotExist
	if errors.As(err, &missing) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := queueGoneCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}

func (p *Plugin) describeQueue(ctx context.Context, url string) (queueInfo, error) {
	info := queueInfo{url: url}

	attrs, err := call(ctx, p, "sqs.GetQueueAttributes", func(ctx context.Context) (*sqs.GetQueueAttributesOutput, error) {
		return p.sqsClient.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(url),
			AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
		})
	})
	if err != nil {
		return info, fmt.Errorf("get attributes of %s: %w", url, err)
	}
	info.attributes = attrs.Attributes

	var nextToken *string
	for {
		output, err := call(ctx, p, "sqs.ListDeadLetterSourceQueues", func(ctx context.Context) (*sqs.ListDeadLetterSourceQueuesOutput, error) {
			return p.sqsClient.ListDeadLetterSourceQueues(ctx, &sqs.ListDeadLetterSourceQueuesInput{QueueUrl: aws.String(url), NextToken: nextToken})
		})
		if err != nil {
			return info, fmt.Errorf("list dead letter sources of %s: %w", url, err)
		}
		info.deadSources = append(info.deadSources, output.QueueUrls...)
		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return info, nil
}

func (p *Plugin) convertQueue(info queueInfo) (entity.Entity, error) {
	name := path.Base(info.url)
	if name == "" || name == "." || name == "/" {
		return entity.Entity{}, entity.Skip(info.url, "no queue name in url")
	}

	a := info.attributes
	attrs := entity.QueueAttrs{
		Name:                           name,
		URL:                            info.url,
		ARN:                            a[string(sqstypes.QueueAttributeNameQueueArn)],
		MessageRetentionPeriodSeconds:  atoi(a[string(sqstypes.QueueAttributeNameMessageRetentionPeriod)]),
		MaximumMessageSizeBytes:        atoi(a[string(sqstypes.QueueAttributeNameMaximumMessageSize)]),
		ReceiveMessagesWaitTimeSeconds: atoi(a[string(sqstypes.QueueAttributeNameReceiveMessageWaitTimeSeconds)]),
		DelaySeconds:                   atoi(a[string(sqstypes.QueueAttributeNameDelaySeconds)]),
		VisibilityTimeoutSeconds:       atoi(a[string(sqstypes.QueueAttributeNameVisibilityTimeout)]),
		DeadLetterSourceURLs:           info.deadSources,
	}

	if raw := a[string(sqstypes.QueueAttributeNameRedrivePolicy)]; raw != "" {
		var rp redrivePolicy
		if err := json.Unmarshal([]byte(raw), &rp); err != nil {
			p.logger.Debug().Err(err).Str("queue", name).Msg("unreadable redrive policy")
		} else {
			attrs.DeadLetterTargetARN = rp.DeadLetterTargetARN
			attrs.MaxReceiveCount = maxReceiveCount(rp.MaxReceiveCount)
		}
	}

	return p.newEntity("sqs-"+name, attrs), nil
}

func maxReceiveCount(raw json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return atoi(s)
	}
	return 0
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
