package persistence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rcrowley/go-metrics"

	envelopepkg "github.com/shieldcrypt/envelope"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKey     = "Id"
	sortKey          = "Created"
	keyRecordAttr    = "KeyRecord"
)

var (
	_ envelopepkg.Metastore = (*DynamoDBMetastore)(nil)

	loadDynamoDBTimer       = metrics.GetOrRegisterTimer(envelopepkg.MetricsPrefix+".metastore.dynamodb.load", nil)
	loadLatestDynamoDBTimer = metrics.GetOrRegisterTimer(envelopepkg.MetricsPrefix+".metastore.dynamodb.loadlatest", nil)
	storeDynamoDBTimer      = metrics.GetOrRegisterTimer(envelopepkg.MetricsPrefix+".metastore.dynamodb.store", nil)

	// ErrItemDecode is returned when a stored item can't be decoded into an
	// EnvelopeKeyRecord.
	ErrItemDecode = errors.New("persistence: item decode error")
)

// DynamoDBClient is the subset of the DynamoDB v2 SDK client this package
// depends on.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Options() dynamodb.Options
}

// DynamoDBOption configures a DynamoDBMetastore.
type DynamoDBOption func(*DynamoDBMetastore)

// WithRegionSuffix enables a regional suffix on GetRegionSuffix, for use
// with DynamoDB global tables to avoid "last writer wins" conflicts.
func WithRegionSuffix(enabled bool) DynamoDBOption {
	return func(d *DynamoDBMetastore) {
		d.regionSuffixEnabled = enabled
	}
}

// WithTableName overrides the default "EncryptionKey" table name.
func WithTableName(name string) DynamoDBOption {
	return func(d *DynamoDBMetastore) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithDynamoDBClient supplies a preconfigured client, useful for tests or
// custom credentials/endpoints.
func WithDynamoDBClient(client DynamoDBClient) DynamoDBOption {
	return func(d *DynamoDBMetastore) {
		d.svc = client
	}
}

// DynamoDBMetastore implements envelope.Metastore against an AWS DynamoDB
// table with partition key Id (string) and sort key Created (number).
type DynamoDBMetastore struct {
	svc       DynamoDBClient
	tableName string

	regionSuffix        string
	regionSuffixEnabled bool
}

// NewDynamoDBMetastore returns a DynamoDBMetastore, building a client from
// the default AWS config unless WithDynamoDBClient is supplied.
func NewDynamoDBMetastore(opts ...DynamoDBOption) (*DynamoDBMetastore, error) {
	d := &DynamoDBMetastore{tableName: defaultTableName}

	for _, opt := range opts {
		opt(d)
	}

	if d.svc == nil {
		client, err := newDefaultDynamoDBClient()
		if err != nil {
			return nil, err
		}

		d.svc = client
	}

	if d.regionSuffixEnabled {
		d.regionSuffix = d.svc.Options().Region
	}

	return d, nil
}

func newDefaultDynamoDBClient() (DynamoDBClient, error) {
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("unable to load default AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg), nil
}

// GetTableName returns the configured table name.
func (d *DynamoDBMetastore) GetTableName() string {
	return d.tableName
}

// GetRegionSuffix returns the region suffix, or "" if not enabled.
func (d *DynamoDBMetastore) GetRegionSuffix() string {
	return d.regionSuffix
}

// Load returns the record matching id and created, or nil if absent.
func (d *DynamoDBMetastore) Load(ctx context.Context, id string, created int64) (*envelopepkg.EnvelopeKeyRecord, error) {
	defer loadDynamoDBTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.GetItem(ctx, &dynamodb.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]types.AttributeValue{
			partitionKey: &types.AttributeValueMemberS{Value: id},
			sortKey:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            aws.String(d.tableName),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore error: %w", err)
	}

	if res.Item == nil {
		return nil, nil
	}

	return decodeItem(res.Item)
}

// LoadLatest returns the most recently created record matching id.
func (d *DynamoDBMetastore) LoadLatest(ctx context.Context, id string) (*envelopepkg.EnvelopeKeyRecord, error) {
	defer loadLatestDynamoDBTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKey).Equal(expression.Value(id))
	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamodb expression error: %w", err)
	}

	res, err := d.svc.Query(ctx, &dynamodb.QueryInput{
		ConsistentRead:            aws.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     aws.Int32(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          aws.Bool(false),
		TableName:                 aws.String(d.tableName),
	})
	if err != nil {
		return nil, fmt.Errorf("error querying metastore: %w", err)
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return decodeItem(res.Items[0])
}

// Store attempts to insert ekr under (id, created) if no item already
// occupies that slot, returning false on a conditional-check failure.
func (d *DynamoDBMetastore) Store(ctx context.Context, id string, created int64, ekr *envelopepkg.EnvelopeKeyRecord) (bool, error) {
	defer storeDynamoDBTimer.UpdateSince(time.Now())

	var km *dynamoKeyMeta
	if ekr.ParentKeyMeta != nil {
		km = &dynamoKeyMeta{ID: ekr.ParentKeyMeta.ID, Created: ekr.ParentKeyMeta.Created}
	}

	item := &dynamoEnvelope{
		Revoked:       ekr.Revoked,
		Created:       ekr.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(ekr.EncryptedKey),
		ParentKeyMeta: km,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return false, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	// attribute_not_exists on the partition key alone guarantees primary
	// key uniqueness across both partition and sort key.
	_, err = d.svc.PutItem(ctx, &dynamodb.PutItemInput{
		Item: map[string]types.AttributeValue{
			partitionKey: &types.AttributeValueMemberS{Value: id},
			sortKey:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
			keyRecordAttr: &types.AttributeValueMemberM{Value: av},
		},
		TableName:           aws.String(d.tableName),
		ConditionExpression: aws.String("attribute_not_exists(" + partitionKey + ")"),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, fmt.Errorf("attempted to create duplicate key: %s, %d: %w", id, created, err)
		}

		return false, fmt.Errorf("error storing key: %s, %d: %w", id, created, err)
	}

	return true, nil
}

type dynamoItem struct {
	ID        string          `dynamodbav:"Id"`
	Created   int64           `dynamodbav:"Created"`
	KeyRecord *dynamoEnvelope `dynamodbav:"KeyRecord"`
}

// dynamoEnvelope mirrors EnvelopeKeyRecord but base64-encodes the
// encrypted key for compact storage as a DynamoDB string attribute.
type dynamoEnvelope struct {
	Revoked       bool           `dynamodbav:"Revoked,omitempty"`
	Created       int64          `dynamodbav:"Created"`
	EncryptedKey  string         `dynamodbav:"Key"`
	ParentKeyMeta *dynamoKeyMeta `dynamodbav:"ParentKeyMeta,omitempty"`
}

type dynamoKeyMeta struct {
	ID      string `dynamodbav:"KeyId"`
	Created int64  `dynamodbav:"Created"`
}

func decodeItem(m map[string]types.AttributeValue) (*envelopepkg.EnvelopeKeyRecord, error) {
	var item dynamoItem

	if err := attributevalue.UnmarshalMap(m, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	en := item.KeyRecord
	if en == nil {
		return nil, fmt.Errorf("%w: missing key record", ErrItemDecode)
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(en.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted key: %w", err)
	}

	var km *envelopepkg.KeyMeta
	if en.ParentKeyMeta != nil {
		km = &envelopepkg.KeyMeta{ID: en.ParentKeyMeta.ID, Created: en.ParentKeyMeta.Created}
	}

	return &envelopepkg.EnvelopeKeyRecord{
		ID:            item.ID,
		Revoked:       en.Revoked,
		Created:       en.Created,
		EncryptedKey:  encryptedKey,
		ParentKeyMeta: km,
	}, nil
}
