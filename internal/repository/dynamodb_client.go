package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"canvas-agent/internal/domain"
)

const (
	pkUserPrefix  = "USER#"
	pkTokenPrefix = "TOKEN#"
	skKeyPrefix   = "KEY#"
	skTokenUser   = "USER"
)

// ErrNotFound is returned when an item does not exist (or a token expired).
var ErrNotFound = errors.New("repository: item not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// kvItem is one stored value. Value holds the caller's JSON verbatim.
type kvItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Key       string `dynamodbav:"key"`
	Value     string `dynamodbav:"value"`
	UpdatedAt string `dynamodbav:"updatedAt"`
}

// tokenItem maps a session cookie value to a user.
type tokenItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	UserID      string `dynamodbav:"userId"`
	DisplayName string `dynamodbav:"displayName,omitempty"`
	TTL         int64  `dynamodbav:"ttl,omitempty"`
}

// Client stores per-user key/value records and session tokens in one table.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func userPK(userID string) string { return pkUserPrefix + userID }

func keySK(key string) string { return skKeyPrefix + key }

func tokenPK(token string) string { return pkTokenPrefix + token }

// UserForToken resolves a session token. Expired tokens are reported as
// ErrNotFound even before DynamoDB's TTL sweep removes them.
func (c *Client) UserForToken(ctx context.Context, token string) (domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.User{}, ErrNotFound
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(tokenPK(token), skTokenUser),
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: UserForToken get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, ErrNotFound
	}
	var item tokenItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return domain.User{}, fmt.Errorf("repository: UserForToken unmarshal: %w", err)
	}
	if item.TTL > 0 && c.now().Unix() >= item.TTL {
		return domain.User{}, ErrNotFound
	}
	if item.UserID == "" {
		return domain.User{}, errors.New("repository: UserForToken: token item has no userId")
	}
	return domain.User{ID: item.UserID, DisplayName: item.DisplayName}, nil
}

// IssueToken creates a new session token for user. A zero ttl never expires.
func (c *Client) IssueToken(ctx context.Context, user domain.User, ttl time.Duration) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", errors.New("repository: IssueToken: user id is required")
	}
	token := uuid.NewString()
	item := tokenItem{
		PK:          tokenPK(token),
		SK:          skTokenUser,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	}
	if ttl > 0 {
		item.TTL = c.now().Add(ttl).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return "", fmt.Errorf("repository: IssueToken marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return "", fmt.Errorf("repository: IssueToken: %w", err)
	}
	return token, nil
}

// GetValue returns the JSON stored under key for userID.
func (c *Client) GetValue(ctx context.Context, userID, key string) (json.RawMessage, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(userPK(userID), keySK(key)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetValue get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var item kvItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("repository: GetValue unmarshal: %w", err)
	}
	return json.RawMessage(item.Value), nil
}

// PutValue writes or replaces the value under key.
func (c *Client) PutValue(ctx context.Context, userID, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return errors.New("repository: PutValue: value is not valid JSON")
	}
	av, err := attributevalue.MarshalMap(kvItem{
		PK:        userPK(userID),
		SK:        keySK(key),
		Key:       key,
		Value:     string(value),
		UpdatedAt: c.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("repository: PutValue marshal: %w", err)
	}
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("repository: PutValue: %w", err)
	}
	return nil
}

// DeleteValue removes key. Deleting a missing key succeeds.
func (c *Client) DeleteValue(ctx context.Context, userID, key string) error {
	if _, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(userPK(userID), keySK(key)),
	}); err != nil {
		return fmt.Errorf("repository: DeleteValue: %w", err)
	}
	return nil
}

// ListKeys returns the user's keys starting with prefix, following pagination.
func (c *Client) ListKeys(ctx context.Context, userID, prefix string) ([]string, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(userPK(userID))).
		And(expression.Key("SK").BeginsWith(keySK(prefix)))
	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCond).
		WithProjection(expression.NamesList(expression.Name("key"))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("repository: ListKeys build expression: %w", err)
	}

	keys := []string{}
	var start map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(c.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ProjectionExpression:      expr.Projection(),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListKeys query: %w", err)
		}
		var page []struct {
			Key string `dynamodbav:"key"`
		}
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("repository: ListKeys unmarshal: %w", err)
		}
		for _, p := range page {
			keys = append(keys, p.Key)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		start = out.LastEvaluatedKey
	}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}
