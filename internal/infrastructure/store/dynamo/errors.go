package dynamo

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

// classify maps DynamoDB failures onto the store's retry and conflict sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			switch aws.ToString(reason.Code) {
			case "ConditionalCheckFailed":
				return store.Conflict(err)
			case "ThrottlingError", "ProvisionedThroughputExceeded", "TransactionConflict":
				return store.Throttled(err)
			}
		}
		return err
	}

	var conditional *types.ConditionalCheckFailedException
	if errors.As(err, &conditional) {
		return store.Conflict(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException",
			"ThrottlingException",
			"RequestLimitExceeded",
			"TransactionConflictException",
			"TransactionInProgressException":
			return store.Throttled(err)
		}
	}
	return err
}
