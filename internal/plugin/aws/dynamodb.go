package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// scanDynamoDB scans DynamoDB tables that are active or updating.
func (p *Plugin) scanDynamoDB(ctx context.Context) ([]entity.Entity, error) {
	var tableNames []string
	var lastTable *string

	for {
		output, err := call(ctx, p, "dynamodb.ListTables", func(ctx context.Context) (*dynamodb.ListTablesOutput, error) {
			return p.dynamodbClient.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: lastTable})
		})
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}

		tableNames = append(tableNames, output.TableNames...)

		if output.LastEvaluatedTableName == nil {
			break
		}
		lastTable = output.LastEvaluatedTableName
	}

	return collect(p, entity.KindDynamoDB, tableNames, func(name string) (entity.Entity, error) {
		output, err := call(ctx, p, "dynamodb.DescribeTable", func(ctx context.Context) (*dynamodb.DescribeTableOutput, error) {
			return p.dynamodbClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
		})
		if err != nil {
			return entity.Entity{}, fmt.Errorf("describe table %s: %w", name, err)
		}
		return p.convertTable(output.Table)
	})
}

func (p *Plugin) convertTable(table *ddbtypes.TableDescription) (entity.Entity, error) {
	if table == nil {
		return entity.Entity{}, entity.Skip("dynamodb", "empty description")
	}

	name := aws.ToString(table.TableName)
	switch table.TableStatus {
	case ddbtypes.TableStatusActive, ddbtypes.TableStatusUpdating:
	default:
		return entity.Entity{}, entity.Skip(name, "table status "+string(table.TableStatus))
	}

	attrs := entity.DynamoDBAttrs{
		Name: name,
		ARN:  aws.ToString(table.TableArn),
	}

	return p.newEntity("dynamodb-"+name, attrs), nil
}
