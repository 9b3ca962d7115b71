package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sharedcode/dynatx"
)

// Store implements dynatx.ItemStore over a DynamoDB client.
type Store struct {
	client *awsdynamodb.Client
}

// NewStore returns an ItemStore bound to the global connection's client.
func NewStore() (dynatx.ItemStore, error) {
	if connection == nil {
		return nil, fmt.Errorf("DynamoDB connection is closed, 'call OpenConnection(config) to open it")
	}
	return &Store{client: connection.Client}, nil
}

// NewStoreWithClient returns an ItemStore bound to the given client.
func NewStoreWithClient(client *awsdynamodb.Client) dynatx.ItemStore {
	return &Store{client: client}
}

func (s *Store) GetItem(ctx context.Context, table string, key dynatx.Item, consistent bool) (dynatx.Item, error) {
	out, err := s.client.GetItem(ctx, &awsdynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return nil, mapError(err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (s *Store) PutItem(ctx context.Context, table string, item dynatx.Item, expected map[string]dynatx.ExpectedValue) error {
	input := awsdynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	}
	cond, names, values := buildCondition(expected)
	if cond != "" {
		input.ConditionExpression = aws.String(cond)
		input.ExpressionAttributeNames = names
		if len(values) > 0 {
			input.ExpressionAttributeValues = values
		}
	}
	if _, err := s.client.PutItem(ctx, &input); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) UpdateItem(ctx context.Context, table string, key dynatx.Item, updates map[string]dynatx.AttributeUpdate, expected map[string]dynatx.ExpectedValue) (dynatx.Item, error) {
	names := map[string]string{}
	values := dynatx.Item{}
	updateExpr, err := buildUpdate(updates, names, values)
	if err != nil {
		return nil, err
	}
	input := awsdynamodb.UpdateItemInput{
		TableName:        aws.String(table),
		Key:              key,
		UpdateExpression: aws.String(updateExpr),
		ReturnValues:     types.ReturnValueAllNew,
	}
	cond, cnames, cvalues := buildCondition(expected)
	if cond != "" {
		input.ConditionExpression = aws.String(cond)
		for k, v := range cnames {
			names[k] = v
		}
		for k, v := range cvalues {
			values[k] = v
		}
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}
	if len(values) > 0 {
		input.ExpressionAttributeValues = values
	}
	out, err := s.client.UpdateItem(ctx, &input)
	if err != nil {
		return nil, mapError(err)
	}
	return out.Attributes, nil
}

func (s *Store) DeleteItem(ctx context.Context, table string, key dynatx.Item, expected map[string]dynatx.ExpectedValue) error {
	input := awsdynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       key,
	}
	cond, names, values := buildCondition(expected)
	if cond != "" {
		input.ConditionExpression = aws.String(cond)
		input.ExpressionAttributeNames = names
		if len(values) > 0 {
			input.ExpressionAttributeValues = values
		}
	}
	if _, err := s.client.DeleteItem(ctx, &input); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, table string, startKey dynatx.Item, limit int32) ([]dynatx.Item, dynatx.Item, error) {
	input := awsdynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(true),
	}
	if len(startKey) > 0 {
		input.ExclusiveStartKey = startKey
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}
	out, err := s.client.Scan(ctx, &input)
	if err != nil {
		return nil, nil, mapError(err)
	}
	items := make([]dynatx.Item, len(out.Items))
	for i := range out.Items {
		items[i] = out.Items[i]
	}
	if len(out.LastEvaluatedKey) == 0 {
		return items, nil, nil
	}
	return items, out.LastEvaluatedKey, nil
}

func (s *Store) Query(ctx context.Context, table string, keyConditions dynatx.Item, startKey dynatx.Item, limit int32) ([]dynatx.Item, dynatx.Item, error) {
	if len(keyConditions) == 0 {
		return nil, nil, dynatx.Error{Code: dynatx.BackingStoreFailure,
			Err: fmt.Errorf("query on table %s requires at least one key condition", table)}
	}
	attrs := make([]string, 0, len(keyConditions))
	for name := range keyConditions {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)
	names := make(map[string]string, len(attrs))
	values := dynatx.Item{}
	parts := make([]string, 0, len(attrs))
	for i, name := range attrs {
		n := fmt.Sprintf("#q%d", i)
		v := fmt.Sprintf(":q%d", i)
		names[n] = name
		values[v] = keyConditions[name]
		parts = append(parts, fmt.Sprintf("%s = %s", n, v))
	}
	input := awsdynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String(strings.Join(parts, " AND ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if len(startKey) > 0 {
		input.ExclusiveStartKey = startKey
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}
	out, err := s.client.Query(ctx, &input)
	if err != nil {
		return nil, nil, mapError(err)
	}
	items := make([]dynatx.Item, len(out.Items))
	for i := range out.Items {
		items[i] = out.Items[i]
	}
	if len(out.LastEvaluatedKey) == 0 {
		return items, nil, nil
	}
	return items, out.LastEvaluatedKey, nil
}

func (s *Store) KeySchema(ctx context.Context, table string) ([]string, error) {
	out, err := s.client.DescribeTable(ctx, &awsdynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		return nil, mapError(err)
	}
	// Partition key first, then the range key if there is one.
	var schema []string
	for _, e := range out.Table.KeySchema {
		if e.KeyType == types.KeyTypeHash {
			schema = append(schema, aws.ToString(e.AttributeName))
		}
	}
	for _, e := range out.Table.KeySchema {
		if e.KeyType == types.KeyTypeRange {
			schema = append(schema, aws.ToString(e.AttributeName))
		}
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("table %s has no key schema", table)
	}
	return schema, nil
}

// buildCondition renders the expected predicates into a condition expression.
// Attribute names are iterated sorted so the rendered expression is stable.
func buildCondition(expected map[string]dynatx.ExpectedValue) (string, map[string]string, dynatx.Item) {
	if len(expected) == 0 {
		return "", nil, nil
	}
	attrs := make([]string, 0, len(expected))
	for name := range expected {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)

	names := make(map[string]string, len(attrs))
	values := dynatx.Item{}
	parts := make([]string, 0, len(attrs))
	for i, name := range attrs {
		n := fmt.Sprintf("#c%d", i)
		names[n] = name
		ev := expected[name]
		if ev.Value == nil {
			parts = append(parts, fmt.Sprintf("attribute_not_exists(%s)", n))
			continue
		}
		v := fmt.Sprintf(":c%d", i)
		values[v] = ev.Value
		parts = append(parts, fmt.Sprintf("%s = %s", n, v))
	}
	return strings.Join(parts, " AND "), names, values
}

// buildUpdate renders attribute update actions into an update expression,
// merging placeholder names/values into the provided maps.
func buildUpdate(updates map[string]dynatx.AttributeUpdate, names map[string]string, values dynatx.Item) (string, error) {
	if len(updates) == 0 {
		return "", fmt.Errorf("update requires at least one attribute action")
	}
	attrs := make([]string, 0, len(updates))
	for name := range updates {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)

	var set, add, remove, del []string
	for i, name := range attrs {
		n := fmt.Sprintf("#u%d", i)
		names[n] = name
		u := updates[name]
		v := fmt.Sprintf(":u%d", i)
		switch u.Action {
		case dynatx.UpdatePut:
			values[v] = u.Value
			set = append(set, fmt.Sprintf("%s = %s", n, v))
		case dynatx.UpdateAdd:
			values[v] = u.Value
			add = append(add, fmt.Sprintf("%s %s", n, v))
		case dynatx.UpdateDelete:
			if u.Value == nil {
				remove = append(remove, n)
				continue
			}
			values[v] = u.Value
			del = append(del, fmt.Sprintf("%s %s", n, v))
		default:
			return "", fmt.Errorf("unknown update action %d on attribute %s", u.Action, name)
		}
	}
	var clauses []string
	if len(set) > 0 {
		clauses = append(clauses, "SET "+strings.Join(set, ", "))
	}
	if len(add) > 0 {
		clauses = append(clauses, "ADD "+strings.Join(add, ", "))
	}
	if len(remove) > 0 {
		clauses = append(clauses, "REMOVE "+strings.Join(remove, ", "))
	}
	if len(del) > 0 {
		clauses = append(clauses, "DELETE "+strings.Join(del, ", "))
	}
	return strings.Join(clauses, " "), nil
}

// mapError converts SDK failures into the local taxonomy so protocol retry
// loops can tell a lost conditional write from a real store failure.
func mapError(err error) error {
	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return dynatx.Error{Code: dynatx.ConditionalCheckFailed, Err: err}
	}
	return dynatx.Error{Code: dynatx.BackingStoreFailure, Err: err}
}
