package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// TableAdmin is the subset of the DynamoDB API needed to provision tables.
type TableAdmin interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// CreateTables provisions the events and snapshots tables for local
// development (DynamoDB Local). Tables that already exist are left alone.
func CreateTables(ctx context.Context, admin TableAdmin, tableName, snapshotTableName string) error {
	keySchema := []types.KeySchemaElement{
		{AttributeName: aws.String("aggregate_id"), KeyType: types.KeyTypeHash},
		{AttributeName: aws.String("version"), KeyType: types.KeyTypeRange},
	}

	_, err := admin.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		KeySchema:   keySchema,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("aggregate_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("version"), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: aws.String("event_type"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("timestamp_ms"), AttributeType: types.ScalarAttributeTypeN},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(EventTypeIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("event_type"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("timestamp_ms"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewImage,
		},
	})
	if err := ignoreInUse(err); err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}

	_, err = admin.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(snapshotTableName),
		BillingMode: types.BillingModePayPerRequest,
		KeySchema:   keySchema,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("aggregate_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("version"), AttributeType: types.ScalarAttributeTypeN},
		},
	})
	if err := ignoreInUse(err); err != nil {
		return fmt.Errorf("create table %s: %w", snapshotTableName, err)
	}

	_, err = admin.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(snapshotTableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("expires_at"),
			Enabled:       aws.Bool(true),
		},
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		// TTL already enabled
		return nil
	}
	if err != nil {
		return fmt.Errorf("enable ttl on %s: %w", snapshotTableName, err)
	}
	return nil
}

func ignoreInUse(err error) error {
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil
	}
	return err
}
