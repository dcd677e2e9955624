// Package dynamostore implements the unit-of-work store sink and the
// selector reader on DynamoDB. Each record type maps to one table keyed
// by "id"; each commit batch is applied with a single TransactWriteItems
// call (chunked at the transaction item limit), so a batch is atomic but
// a commit of several batches is not.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/espalier/record"
	"github.com/jacentio/espalier/uow"
)

// maxTransactItems is the DynamoDB TransactWriteItems item limit.
const maxTransactItems = 100

var (
	// ErrAlreadyExists is returned when an insert collides with an
	// existing identity.
	ErrAlreadyExists = errors.New("dynamostore: record already exists")

	// ErrNotFound is returned when an update or delete names an
	// identity the table does not hold.
	ErrNotFound = errors.New("dynamostore: record not found")
)

// Managed attributes the store writes itself; never copied from or into
// record fields.
const (
	attrID         = "id"
	attrRecordType = "record_type"
	attrCreatedAt  = "created_at"
	attrUpdatedAt  = "updated_at"
)

// Store applies unit-of-work batches to DynamoDB tables.
type Store struct {
	client *dynamodb.Client
	config Config
}

// New creates a Store instance.
func New(client *dynamodb.Client, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
	}
}

// NewClient builds a DynamoDB client from the default AWS configuration
// chain.
func NewClient(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

var _ uow.Store = (*Store)(nil)

// Insert assigns UUID identities and writes the records as transactional
// puts, one TransactWriteItems call per chunk of 100.
func (s *Store) Insert(ctx context.Context, typ record.Type, recs []*record.Record) error {
	table := s.config.tableName(typ)
	now := time.Now().UTC().Format(time.RFC3339)

	items := make([]types.TransactWriteItem, 0, len(recs))
	for _, rec := range recs {
		rec.SetID(record.ID(uuid.NewString()))

		item, err := marshalFields(rec, nil)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", rec.Ref(), err)
		}
		item[attrID] = &types.AttributeValueMemberS{Value: string(rec.ID())}
		item[attrRecordType] = &types.AttributeValueMemberS{Value: string(typ)}
		item[attrCreatedAt] = &types.AttributeValueMemberS{Value: now}
		item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: now}

		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(table),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			},
		})
	}

	return s.transact(ctx, items, ErrAlreadyExists)
}

// Update writes each row's coalesced field subset with a SET expression.
// A nil field subset writes all current fields.
func (s *Store) Update(ctx context.Context, typ record.Type, updates []uow.Update) error {
	table := s.config.tableName(typ)
	now := time.Now().UTC().Format(time.RFC3339)

	items := make([]types.TransactWriteItem, 0, len(updates))
	for _, u := range updates {
		values, err := marshalFields(u.Record, u.Fields)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", u.Record.Ref(), err)
		}

		var setClauses []string
		exprNames := map[string]string{
			"#updated_at": attrUpdatedAt,
		}
		exprValues := map[string]types.AttributeValue{
			":updated_at": &types.AttributeValueMemberS{Value: now},
		}
		i := 0
		for k, v := range values {
			nameKey := fmt.Sprintf("#attr%d", i)
			valueKey := fmt.Sprintf(":val%d", i)
			exprNames[nameKey] = k
			exprValues[valueKey] = v
			setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
			i++
		}
		setClauses = append(setClauses, "#updated_at = :updated_at")

		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(table),
				Key:                       keyFor(u.Record.ID()),
				UpdateExpression:          aws.String("SET " + strings.Join(setClauses, ", ")),
				ConditionExpression:       aws.String("attribute_exists(id)"),
				ExpressionAttributeNames:  exprNames,
				ExpressionAttributeValues: exprValues,
			},
		})
	}

	return s.transact(ctx, items, ErrNotFound)
}

// Delete removes the records as transactional deletes.
func (s *Store) Delete(ctx context.Context, typ record.Type, recs []*record.Record) error {
	table := s.config.tableName(typ)

	items := make([]types.TransactWriteItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:           aws.String(table),
				Key:                 keyFor(rec.ID()),
				ConditionExpression: aws.String("attribute_exists(id)"),
			},
		})
	}

	return s.transact(ctx, items, ErrNotFound)
}

// transact executes the items in chunks of the transaction limit,
// mapping conditional failures to condErr.
func (s *Store) transact(ctx context.Context, items []types.TransactWriteItem, condErr error) error {
	for _, chunk := range chunkItems(items, maxTransactItems) {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: chunk,
		})
		if err != nil {
			return mapTransactionError(err, condErr)
		}
	}
	return nil
}

// chunkItems splits items into slices of at most size elements.
func chunkItems(items []types.TransactWriteItem, size int) [][]types.TransactWriteItem {
	var chunks [][]types.TransactWriteItem
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}

// mapTransactionError surfaces conditional check failures as condErr;
// anything else is returned as-is.
func mapTransactionError(err error, condErr error) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return condErr
			}
		}
	}
	return err
}

func keyFor(id record.ID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: string(id)},
	}
}

// marshalFields converts a record's fields (or the given subset) to
// DynamoDB attribute values, excluding managed attributes.
func marshalFields(rec *record.Record, subset []string) (map[string]types.AttributeValue, error) {
	fields := rec.Fields()
	if subset != nil {
		picked := make(map[string]any, len(subset))
		for _, f := range subset {
			if v, ok := fields[f]; ok {
				picked[f] = v
			}
		}
		fields = picked
	}

	out := make(map[string]types.AttributeValue, len(fields))
	for k, v := range fields {
		if isManagedAttr(k) {
			continue
		}
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

func isManagedAttr(name string) bool {
	switch name {
	case attrID, attrRecordType, attrCreatedAt, attrUpdatedAt:
		return true
	}
	return false
}
