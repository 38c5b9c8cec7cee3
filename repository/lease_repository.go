package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yashrajoria/marketplace-payments/models"
)

// LeaseStore grants named, expiring, exclusive leases so that a scheduled
// run happens on at most one instance.
type LeaseStore interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// GormLeaseStore keeps leases in the scheduler_leases table.
type GormLeaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormLeaseStore(db *gorm.DB) *GormLeaseStore {
	return &GormLeaseStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire inserts the lease or takes over an expired one. Re-acquiring a
// lease the owner already holds extends it.
func (s *GormLeaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	lease := models.SchedulerLease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl), UpdatedAt: now}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&lease)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	res = s.db.WithContext(ctx).
		Model(&models.SchedulerLease{}).
		Where("name = ? AND (expires_at <= ? OR owner = ?)", name, now, owner).
		Updates(map[string]interface{}{
			"owner":      owner,
			"expires_at": now.Add(ttl),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release drops the lease if owner still holds it.
func (s *GormLeaseStore) Release(ctx context.Context, name, owner string) error {
	return s.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&models.SchedulerLease{}).Error
}

// DynamoAPI is the part of the DynamoDB client the lease store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoLeaseStore keeps leases in a DynamoDB table keyed by lease_name.
type DynamoLeaseStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

func NewDynamoLeaseStore(client DynamoAPI, table string) *DynamoLeaseStore {
	return &DynamoLeaseStore{client: client, table: table, now: func() time.Time { return time.Now().UTC() }}
}

type ddbLease struct {
	Name      string `dynamodbav:"lease_name"`
	Owner     string `dynamodbav:"owner"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

func (s *DynamoLeaseStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	item, err := attributevalue.MarshalMap(ddbLease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: now.Add(ttl).Unix(),
		UpdatedAt: now.Format(time.RFC3339),
	})
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}

	nowAV, _ := attributevalue.Marshal(now.Unix())
	ownerAV, _ := attributevalue.Marshal(owner)
	cond := "attribute_not_exists(lease_name) OR expires_at <= :now OR #owner = :owner"

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.table,
		Item:                item,
		ConditionExpression: &cond,
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   nowAV,
			":owner": ownerAV,
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb PutItem failed: %w", err)
	}
	return true, nil
}

func (s *DynamoLeaseStore) Release(ctx context.Context, name, owner string) error {
	key, err := attributevalue.MarshalMap(map[string]string{"lease_name": name})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	ownerAV, _ := attributevalue.Marshal(owner)
	cond := "#owner = :owner"

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 &s.table,
		Key:                       key,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":owner": ownerAV},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("dynamodb DeleteItem failed: %w", err)
	}
	return nil
}
