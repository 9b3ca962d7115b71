package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

// EnsureTransactionTable creates the transaction table if it does not exist
// and waits until it is active. The table is keyed by the transaction ID.
func EnsureTransactionTable(ctx context.Context, client *awsdynamodb.Client, table string) error {
	return ensureTable(ctx, client, table, dynatx.AttrTxID)
}

// EnsureImageTable creates the item-image table if it does not exist and
// waits until it is active. The table is keyed by the image ID "<txid>#<rid>".
func EnsureImageTable(ctx context.Context, client *awsdynamodb.Client, table string) error {
	return ensureTable(ctx, client, table, dynatx.AttrImageID)
}

func ensureTable(ctx context.Context, client *awsdynamodb.Client, table string, hashKey string) error {
	_, err := client.CreateTable(ctx, &awsdynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(hashKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(hashKey), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s failed, details: %w", table, err)
		}
	}
	waiter := awsdynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &awsdynamodb.DescribeTableInput{
		TableName: aws.String(table),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table %s failed, details: %w", table, err)
	}
	return nil
}
