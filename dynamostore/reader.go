package dynamostore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/record"
	"github.com/jacentio/espalier/selector"
)

var _ selector.Reader = (*Store)(nil)

// Read executes a selector query. A query conditioned on the identity
// field becomes a GetItem; anything else is a filtered paginated scan.
// Sub-queries issue one scan per child type and are grouped client-side.
func (s *Store) Read(ctx context.Context, q selector.Query) ([]selector.Row, error) {
	recs, err := s.readRecords(ctx, q)
	if err != nil {
		return nil, err
	}

	rows := make([]selector.Row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, selector.Row{Record: rec})
	}

	for field, sub := range q.SubQueries {
		children, err := s.readRecords(ctx, sub)
		if err != nil {
			return nil, err
		}
		byParent := make(map[record.ID][]*record.Record)
		for _, child := range children {
			if pid, ok := record.IDOf(child.Get(field)); ok {
				byParent[pid] = append(byParent[pid], child)
			}
		}
		for i := range rows {
			if rows[i].Children == nil {
				rows[i].Children = make(map[string][]*record.Record, len(q.SubQueries))
			}
			rows[i].Children[field] = byParent[rows[i].Record.ID()]
		}
	}

	return rows, nil
}

func (s *Store) readRecords(ctx context.Context, q selector.Query) ([]*record.Record, error) {
	if id, ok := identityCondition(q); ok {
		return s.getByID(ctx, q, id)
	}
	return s.scan(ctx, q)
}

// identityCondition reports whether the query is a single-identity
// lookup.
func identityCondition(q selector.Query) (record.ID, bool) {
	if len(q.Conditions) != 1 || q.Conditions[0].Field != record.IDField {
		return "", false
	}
	return record.IDOf(q.Conditions[0].Value)
}

func (s *Store) getByID(ctx context.Context, q selector.Query, id record.ID) ([]*record.Record, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.tableName(q.Type)),
		Key:       keyFor(id),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, nil
	}
	rec, err := unmarshalRecord(q.Type, result.Item, q.Fields)
	if err != nil {
		return nil, err
	}
	return []*record.Record{rec}, nil
}

func (s *Store) scan(ctx context.Context, q selector.Query) ([]*record.Record, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.config.tableName(q.Type)),
	}

	if len(q.Conditions) > 0 {
		var clauses []string
		exprNames := map[string]string{}
		exprValues := map[string]types.AttributeValue{}
		for i, c := range q.Conditions {
			av, err := attributevalue.Marshal(c.Value)
			if err != nil {
				return nil, fmt.Errorf("condition %q: %w", c.Field, err)
			}
			nameKey := fmt.Sprintf("#f%d", i)
			valueKey := fmt.Sprintf(":v%d", i)
			exprNames[nameKey] = c.Field
			exprValues[valueKey] = av
			clauses = append(clauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
		}
		input.FilterExpression = aws.String(strings.Join(clauses, " AND "))
		input.ExpressionAttributeNames = exprNames
		input.ExpressionAttributeValues = exprValues
	}

	var recs []*record.Record
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			rec, err := unmarshalRecord(q.Type, raw, q.Fields)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
			if q.Limit > 0 && len(recs) == q.Limit {
				return recs, nil
			}
		}
	}
	return recs, nil
}

// unmarshalRecord converts a DynamoDB item to a record, projecting the
// given fields (all non-managed attributes when nil).
func unmarshalRecord(typ record.Type, item map[string]types.AttributeValue, fields []string) (*record.Record, error) {
	var id record.ID
	if v, ok := item[attrID].(*types.AttributeValueMemberS); ok {
		id = record.ID(v.Value)
	}
	rec := record.NewWithID(typ, id)

	var keep map[string]bool
	if fields != nil {
		keep = make(map[string]bool, len(fields))
		for _, f := range fields {
			keep[f] = true
		}
	}

	for k, av := range item {
		if isManagedAttr(k) {
			continue
		}
		if keep != nil && !keep[k] {
			continue
		}
		var v any
		if err := attributevalue.Unmarshal(av, &v); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		rec.Set(k, v)
	}
	return rec, nil
}
