// Package dynamostore implements the delivery tracker on a DynamoDB table.
//
// Table layout: partition key "delivery_key" (S). Timestamps are stored as
// epoch milliseconds except expires_at, which is epoch seconds so it can be
// used as the table's TTL attribute.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"birthdaygreeter/internal/delivery"
	"birthdaygreeter/internal/types"
)

// Attribute names used in expressions.
const (
	attrKey        = "delivery_key"
	attrStatus     = "status"
	attrAttempts   = "attempts"
	attrLeaseUntil = "lease_until"
	attrLastError  = "last_error"
	attrUpdatedAt  = "updated_at"
	attrExpiresAt  = "expires_at"
)

// recordItem is the stored shape of a DeliveryRecord.
type recordItem struct {
	Key            string `dynamodbav:"delivery_key"`
	UserID         string `dynamodbav:"user_id"`
	OccurrenceDate string `dynamodbav:"occurrence_date"`
	Status         string `dynamodbav:"status"`
	Attempts       int    `dynamodbav:"attempts"`
	LeaseUntil     *int64 `dynamodbav:"lease_until,omitempty"`
	LastError      string `dynamodbav:"last_error"`
	CreatedAt      int64  `dynamodbav:"created_at"`
	UpdatedAt      int64  `dynamodbav:"updated_at"`
	ExpiresAt      int64  `dynamodbav:"expires_at"`
}

func toItem(rec types.DeliveryRecord) recordItem {
	it := recordItem{
		Key:            rec.Key,
		UserID:         rec.UserID,
		OccurrenceDate: rec.OccurrenceDate,
		Status:         string(rec.Status),
		Attempts:       rec.Attempts,
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt.UnixMilli(),
		UpdatedAt:      rec.UpdatedAt.UnixMilli(),
		ExpiresAt:      rec.ExpiresAt.Unix(),
	}
	if rec.LeaseUntil != nil {
		lu := rec.LeaseUntil.UnixMilli()
		it.LeaseUntil = &lu
	}
	return it
}

func (it recordItem) record() (*types.DeliveryRecord, error) {
	rec := &types.DeliveryRecord{
		Key:            it.Key,
		UserID:         it.UserID,
		OccurrenceDate: it.OccurrenceDate,
		Status:         types.DeliveryStatus(it.Status),
		Attempts:       it.Attempts,
		LastError:      it.LastError,
		CreatedAt:      time.UnixMilli(it.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(it.UpdatedAt).UTC(),
		ExpiresAt:      time.Unix(it.ExpiresAt, 0).UTC(),
	}
	if it.LeaseUntil != nil {
		lu := time.UnixMilli(*it.LeaseUntil).UTC()
		rec.LeaseUntil = &lu
	}
	if rec.Key == "" || !rec.Status.Valid() {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "malformed delivery record item",
			fmt.Errorf("item missing key or has invalid status %q", rec.Status))
	}
	return rec, nil
}

func marshalRecord(rec types.DeliveryRecord) (map[string]ddbTypes.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to encode delivery record", err)
	}
	return item, nil
}

func unmarshalRecord(item map[string]ddbTypes.AttributeValue) (*types.DeliveryRecord, error) {
	var it recordItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "malformed delivery record item", err)
	}
	return it.record()
}

// DynamoAPI is the subset of *dynamodb.Client the tracker uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// NewClient builds a DynamoDB client, pointing it at endpoint when set
// (LocalStack, dynamodb-local).
func NewClient(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Tracker is a delivery.Tracker backed by DynamoDB conditional writes.
type Tracker struct {
	db    DynamoAPI
	table string
	ttl   time.Duration
}

var _ delivery.Tracker = (*Tracker)(nil)

// NewTracker creates a Tracker on table. Records expire ttl after creation.
func NewTracker(db DynamoAPI, table string, ttl time.Duration) *Tracker {
	return &Tracker{db: db, table: table, ttl: ttl}
}

func (t *Tracker) Create(ctx context.Context, userID, occurrenceDate string, now time.Time) (*types.DeliveryRecord, error) {
	rec := types.DeliveryRecord{
		Key:            types.DeliveryKey(userID, occurrenceDate),
		UserID:         userID,
		OccurrenceDate: occurrenceDate,
		Status:         types.DeliveryStatusPending,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
		ExpiresAt:      now.UTC().Add(t.ttl),
	}

	item, err := marshalRecord(rec)
	if err != nil {
		return nil, err
	}

	_, err = t.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{
			"#k": attrKey,
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictDeliveryExists,
				"delivery record already exists", nil, map[string]any{"key": rec.Key})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create delivery record", err)
	}
	return &rec, nil
}

func (t *Tracker) Get(ctx context.Context, key string) (*types.DeliveryRecord, error) {
	out, err := t.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get delivery record", err)
	}
	if len(out.Item) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	return unmarshalRecord(out.Item)
}

func (t *Tracker) AdvanceStatus(ctx context.Context, key string, status types.DeliveryStatus, detail string, now time.Time) (*types.DeliveryRecord, error) {
	out, err := t.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(t.table),
		Key:                 keyOf(key),
		ConditionExpression: aws.String("attribute_exists(#k)"),
		UpdateExpression: aws.String(
			"SET #st = :st, #at = if_not_exists(#at, :zero) + :one, #le = :le, #ua = :ua REMOVE #lu"),
		ExpressionAttributeNames: map[string]string{
			"#k":  attrKey,
			"#st": attrStatus,
			"#at": attrAttempts,
			"#le": attrLastError,
			"#ua": attrUpdatedAt,
			"#lu": attrLeaseUntil,
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":st":   str(string(status)),
			":zero": num(0),
			":one":  num(1),
			":le":   str(detail),
			":ua":   num(now.UnixMilli()),
		},
		ReturnValues: ddbTypes.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to advance delivery record", err)
	}
	return unmarshalRecord(out.Attributes)
}

func (t *Tracker) Acquire(ctx context.Context, key string, maxAttempts int, leaseUntil, now time.Time) (*types.DeliveryRecord, error) {
	out, err := t.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(t.table),
		Key:       keyOf(key),
		ConditionExpression: aws.String(
			"attribute_exists(#k) AND #st IN (:pending, :failed) AND #at < :max AND (attribute_not_exists(#lu) OR #lu <= :now)"),
		UpdateExpression: aws.String("SET #lu = :lu, #ua = :now"),
		ExpressionAttributeNames: map[string]string{
			"#k":  attrKey,
			"#st": attrStatus,
			"#at": attrAttempts,
			"#lu": attrLeaseUntil,
			"#ua": attrUpdatedAt,
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pending": str(string(types.DeliveryStatusPending)),
			":failed":  str(string(types.DeliveryStatusFailed)),
			":max":     num(int64(maxAttempts)),
			":lu":      num(leaseUntil.UnixMilli()),
			":now":     num(now.UnixMilli()),
		},
		ReturnValues:                        ddbTypes.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: ddbTypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *ddbTypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
			}
			var current recordItem
			if err := attributevalue.UnmarshalMap(ccf.Item, &current); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalDB, "malformed delivery record item", err)
			}
			status := types.DeliveryStatus(current.Status)
			if status.Open() && current.Attempts >= maxAttempts {
				return nil, types.AttemptsExhausted(key, current.Attempts, nil)
			}
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictDeliveryState,
				"delivery record is closed or leased", nil,
				map[string]any{"key": key, "status": string(status)})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire delivery record", err)
	}
	return unmarshalRecord(out.Attributes)
}

func (t *Tracker) Cancel(ctx context.Context, key string, now time.Time) error {
	_, err := t.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(t.table),
		Key:                 keyOf(key),
		ConditionExpression: aws.String("#st IN (:pending, :failed)"),
		UpdateExpression:    aws.String("SET #st = :cancelled, #ua = :ua REMOVE #lu"),
		ExpressionAttributeNames: map[string]string{
			"#st": attrStatus,
			"#ua": attrUpdatedAt,
			"#lu": attrLeaseUntil,
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pending":   str(string(types.DeliveryStatusPending)),
			":failed":    str(string(types.DeliveryStatusFailed)),
			":cancelled": str(string(types.DeliveryStatusCancelled)),
			":ua":        num(now.UnixMilli()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return types.NewAppError(types.ErrCodeNotFoundDelivery, "no open delivery record", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel delivery record", err)
	}
	return nil
}

func (t *Tracker) Reopen(ctx context.Context, key string, now time.Time) error {
	_, err := t.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(t.table),
		Key:                 keyOf(key),
		ConditionExpression: aws.String("#st = :cancelled"),
		UpdateExpression:    aws.String("SET #st = :pending, #ua = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#st": attrStatus,
			"#ua": attrUpdatedAt,
		},
		ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
			":pending":   str(string(types.DeliveryStatusPending)),
			":cancelled": str(string(types.DeliveryStatusCancelled)),
			":ua":        num(now.UnixMilli()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return types.NewAppError(types.ErrCodeConflictDeliveryState, "delivery record is not cancelled", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reopen delivery record", err)
	}
	return nil
}

// PurgeExpired scans for expired records and deletes each with a condition
// on expires_at. Items the table's TTL sweeper removed first are skipped.
func (t *Tracker) PurgeExpired(ctx context.Context, before time.Time, limit int) ([]types.DeliveryRecord, error) {
	var (
		purged   []types.DeliveryRecord
		startKey map[string]ddbTypes.AttributeValue
	)
	cutoff := num(before.Unix())

	for len(purged) < limit {
		out, err := t.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(t.table),
			FilterExpression: aws.String("#ea < :before"),
			ExpressionAttributeNames: map[string]string{
				"#ea": attrExpiresAt,
			},
			ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
				":before": cutoff,
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return purged, types.NewAppError(types.ErrCodeInternalDB, "failed to scan expired delivery records", err)
		}

		var items []recordItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return purged, types.NewAppError(types.ErrCodeInternalDB, "malformed delivery record items", err)
		}

		for _, it := range items {
			if len(purged) >= limit {
				break
			}
			rec, err := it.record()
			if err != nil {
				return purged, err
			}
			_, err = t.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           aws.String(t.table),
				Key:                 keyOf(rec.Key),
				ConditionExpression: aws.String("#ea < :before"),
				ExpressionAttributeNames: map[string]string{
					"#ea": attrExpiresAt,
				},
				ExpressionAttributeValues: map[string]ddbTypes.AttributeValue{
					":before": cutoff,
				},
			})
			if err != nil {
				if isConditionFailed(err) {
					continue
				}
				return purged, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired delivery record", err)
			}
			purged = append(purged, *rec)
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return purged, nil
}

func isConditionFailed(err error) bool {
	var ccf *ddbTypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func keyOf(key string) map[string]ddbTypes.AttributeValue {
	return map[string]ddbTypes.AttributeValue{attrKey: str(key)}
}

func str(s string) ddbTypes.AttributeValue {
	return &ddbTypes.AttributeValueMemberS{Value: s}
}

func num(n int64) ddbTypes.AttributeValue {
	return &ddbTypes.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
