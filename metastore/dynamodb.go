package metastore

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	dynamosdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/nimbusware/strongbox"
)

const (
	defaultTableName = "EncryptionKey"
	partitionKeyAttr = "Id"
	sortKeyAttr      = "Created"
	keyRecordAttr    = "KeyRecord"
)

var (
	dynamoLoadTimer       = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".metastore.dynamodb.load", nil)
	dynamoLoadLatestTimer = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".metastore.dynamodb.loadlatest", nil)
	dynamoStoreTimer      = metrics.GetOrRegisterTimer(strongbox.MetricsPrefix+".metastore.dynamodb.store", nil)
)

// DynamoDBClient is the subset of the AWS DynamoDB v2 SDK this package
// depends on.
type DynamoDBClient interface {
	GetItem(ctx context.Context, params *dynamosdk.GetItemInput, optFns ...func(*dynamosdk.Options)) (*dynamosdk.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamosdk.PutItemInput, optFns ...func(*dynamosdk.Options)) (*dynamosdk.PutItemOutput, error)
	Query(ctx context.Context, params *dynamosdk.QueryInput, optFns ...func(*dynamosdk.Options)) (*dynamosdk.QueryOutput, error)
	Options() dynamosdk.Options
}

// DynamoOption configures a DynamoDB metastore.
type DynamoOption func(*DynamoDB)

// WithTableName overrides the default "EncryptionKey" table name.
func WithTableName(name string) DynamoOption {
	return func(d *DynamoDB) {
		if name != "" {
			d.tableName = name
		}
	}
}

// WithDynamoDBClient supplies a pre-built client, e.g. a fake for tests.
func WithDynamoDBClient(client DynamoDBClient) DynamoOption {
	return func(d *DynamoDB) { d.svc = client }
}

// WithRegionSuffixEnabled enables RegionSuffix(), deriving the suffix from
// the client's configured region. Use against DynamoDB global tables, where
// "last writer wins" replication makes un-suffixed partition writes from
// multiple regions unsafe (spec §3 region-suffix support).
func WithRegionSuffixEnabled(enabled bool) DynamoOption {
	return func(d *DynamoDB) { d.regionSuffixEnabled = enabled }
}

// DynamoDB implements strongbox.Metastore against a DynamoDB table keyed by
// (Id, Created), storing the EnvelopeKeyRecord JSON-free as native
// attributes.
type DynamoDB struct {
	svc       DynamoDBClient
	tableName string

	regionSuffixEnabled bool
	regionSuffix        string
}

var (
	_ strongbox.Metastore      = (*DynamoDB)(nil)
	_ strongbox.RegionSuffixed = (*DynamoDB)(nil)
)

// NewDynamoDB builds a DynamoDB metastore, loading default AWS config and
// constructing a client unless WithDynamoDBClient is supplied.
func NewDynamoDB(ctx context.Context, opts ...DynamoOption) (*DynamoDB, error) {
	d := &DynamoDB{tableName: defaultTableName}

	for _, opt := range opts {
		opt(d)
	}

	if d.svc == nil {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("metastore: unable to load default AWS config: %w", err)
		}

		d.svc = dynamosdk.NewFromConfig(cfg)
	}

	if d.regionSuffixEnabled {
		d.regionSuffix = d.svc.Options().Region
	}

	return d, nil
}

// RegionSuffix implements strongbox.RegionSuffixed.
func (d *DynamoDB) RegionSuffix() string {
	return d.regionSuffix
}

type wireKeyMeta struct {
	ID      string `dynamodbav:"KeyId"`
	Created int64  `dynamodbav:"Created"`
}

type wireEnvelope struct {
	Revoked       bool         `dynamodbav:"Revoked,omitempty"`
	Created       int64        `dynamodbav:"Created"`
	EncryptedKey  string       `dynamodbav:"Key"`
	ParentKeyMeta *wireKeyMeta `dynamodbav:"ParentKeyMeta,omitempty"`
}

type wireItem struct {
	ID        string        `dynamodbav:"Id"`
	Created   int64         `dynamodbav:"Created"`
	KeyRecord *wireEnvelope `dynamodbav:"KeyRecord"`
}

func decodeItem(id string, m map[string]types.AttributeValue) (*strongbox.EnvelopeKeyRecord, error) {
	var item wireItem

	if err := attributevalue.UnmarshalMap(m, &item); err != nil {
		return nil, errors.Wrap(err, "metastore: unmarshal item failed")
	}

	en := item.KeyRecord
	if en == nil {
		return nil, errors.New("metastore: item has no key record")
	}

	encKey, err := base64.StdEncoding.DecodeString(en.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(err, "metastore: decode encrypted key failed")
	}

	var parent *strongbox.KeyMeta
	if en.ParentKeyMeta != nil {
		parent = &strongbox.KeyMeta{ID: en.ParentKeyMeta.ID, Created: en.ParentKeyMeta.Created}
	}

	revoked := en.Revoked

	return &strongbox.EnvelopeKeyRecord{
		ID:            id,
		Created:       en.Created,
		ParentKeyMeta: parent,
		EncryptedKey:  encKey,
		Revoked:       &revoked,
	}, nil
}

// Load implements strongbox.Metastore.
func (d *DynamoDB) Load(ctx context.Context, id string, created int64) (*strongbox.EnvelopeKeyRecord, error) {
	defer dynamoLoadTimer.UpdateSince(time.Now())

	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithProjection(proj).Build()
	if err != nil {
		return nil, errors.Wrap(err, "metastore: build projection expression failed")
	}

	res, err := d.svc.GetItem(ctx, &dynamosdk.GetItemInput{
		ExpressionAttributeNames: expr.Names(),
		Key: map[string]types.AttributeValue{
			partitionKeyAttr: &types.AttributeValueMemberS{Value: id},
			sortKeyAttr:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
		},
		ProjectionExpression: expr.Projection(),
		TableName:            awssdk.String(d.tableName),
		ConsistentRead:       awssdk.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "metastore: get item failed")
	}

	if res.Item == nil {
		return nil, nil
	}

	return decodeItem(id, res.Item)
}

// LoadLatest implements strongbox.Metastore.
func (d *DynamoDB) LoadLatest(ctx context.Context, id string) (*strongbox.EnvelopeKeyRecord, error) {
	defer dynamoLoadLatestTimer.UpdateSince(time.Now())

	cond := expression.Key(partitionKeyAttr).Equal(expression.Value(id))
	proj := expression.NamesList(expression.Name(keyRecordAttr))

	expr, err := expression.NewBuilder().WithKeyCondition(cond).WithProjection(proj).Build()
	if err != nil {
		return nil, errors.Wrap(err, "metastore: build query expression failed")
	}

	res, err := d.svc.Query(ctx, &dynamosdk.QueryInput{
		ConsistentRead:            awssdk.Bool(true),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		KeyConditionExpression:    expr.KeyCondition(),
		Limit:                     awssdk.Int32(1),
		ProjectionExpression:      expr.Projection(),
		ScanIndexForward:          awssdk.Bool(false),
		TableName:                 awssdk.String(d.tableName),
	})
	if err != nil {
		return nil, errors.Wrap(err, "metastore: query failed")
	}

	if len(res.Items) == 0 {
		return nil, nil
	}

	return decodeItem(id, res.Items[0])
}

// Store implements strongbox.Metastore, returning (false, nil) only for a
// genuine conditional-check failure (the item already exists).
func (d *DynamoDB) Store(ctx context.Context, id string, created int64, record *strongbox.EnvelopeKeyRecord) (bool, error) {
	defer dynamoStoreTimer.UpdateSince(time.Now())

	var parent *wireKeyMeta
	if record.ParentKeyMeta != nil {
		parent = &wireKeyMeta{ID: record.ParentKeyMeta.ID, Created: record.ParentKeyMeta.Created}
	}

	en := wireEnvelope{
		Revoked:       record.IsRevoked(),
		Created:       record.Created,
		EncryptedKey:  base64.StdEncoding.EncodeToString(record.EncryptedKey),
		ParentKeyMeta: parent,
	}

	av, err := attributevalue.MarshalMap(&en)
	if err != nil {
		return false, errors.Wrap(err, "metastore: marshal envelope failed")
	}

	_, err = d.svc.PutItem(ctx, &dynamosdk.PutItemInput{
		Item: map[string]types.AttributeValue{
			partitionKeyAttr: &types.AttributeValueMemberS{Value: id},
			sortKeyAttr:      &types.AttributeValueMemberN{Value: strconv.FormatInt(created, 10)},
			keyRecordAttr:    &types.AttributeValueMemberM{Value: av},
		},
		TableName:           awssdk.String(d.tableName),
		ConditionExpression: awssdk.String("attribute_not_exists(" + partitionKeyAttr + ")"),
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, nil
		}

		return false, errors.Wrapf(err, "metastore: put item failed for id=%s created=%d", id, created)
	}

	return true, nil
}
