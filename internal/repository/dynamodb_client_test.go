package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"canvas-agent/internal/domain"
)

type fakeDynamo struct {
	getOut      *dynamodb.GetItemOutput
	getErr      error
	putErr      error
	deleteErr   error
	queryPages  []*dynamodb.QueryOutput
	queryErr    error
	lastGetIn   *dynamodb.GetItemInput
	lastPutIn   *dynamodb.PutItemInput
	lastDelIn   *dynamodb.DeleteItemInput
	queryInputs []*dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetIn = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutIn = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDelIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func s(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestUserForToken_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":          s("TOKEN#tok"),
		"SK":          s("USER"),
		"userId":      s("u-1"),
		"displayName": s("Ada"),
	}}}
	c := mustNewClient(t, db)

	u, err := c.UserForToken(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, domain.User{ID: "u-1", DisplayName: "Ada"}, u)
	require.Equal(t, "TOKEN#tok", db.lastGetIn.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "test-table", aws.ToString(db.lastGetIn.TableName))
}

func TestUserForToken_MissingOrExpired(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.UserForToken(context.Background(), "tok")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.UserForToken(context.Background(), " ")
	require.ErrorIs(t, err, ErrNotFound)

	expired := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":     s("TOKEN#tok"),
		"SK":     s("USER"),
		"userId": s("u-1"),
		"ttl":    &types.AttributeValueMemberN{Value: "1600000000"},
	}}}
	c = mustNewClient(t, expired)
	_, err = c.UserForToken(context.Background(), "tok")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUserForToken_GetError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("throttled")})
	_, err := c.UserForToken(context.Background(), "tok")
	require.ErrorContains(t, err, "throttled")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestIssueToken(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	tok, err := c.IssueToken(context.Background(), domain.User{ID: "u-1", DisplayName: "Ada"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	item := db.lastPutIn.Item
	require.Equal(t, "TOKEN#"+tok, item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "u-1", item["userId"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1700003600", item["ttl"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.lastPutIn.ConditionExpression))

	_, err = c.IssueToken(context.Background(), domain.User{}, 0)
	require.Error(t, err)
}

func TestPutValue(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.PutValue(context.Background(), "u-1", "sessions:u-1", json.RawMessage(`[{"id":"s1"}]`))
	require.NoError(t, err)
	item := db.lastPutIn.Item
	require.Equal(t, "USER#u-1", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "KEY#sessions:u-1", item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, `[{"id":"s1"}]`, item["value"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "sessions:u-1", item["key"].(*types.AttributeValueMemberS).Value)

	require.Error(t, c.PutValue(context.Background(), "u-1", "k", json.RawMessage(`{broken`)))
}

func TestPutValue_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("boom")})
	err := c.PutValue(context.Background(), "u-1", "k", json.RawMessage(`1`))
	require.ErrorContains(t, err, "boom")
}

func TestGetValue(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":    s("USER#u-1"),
		"SK":    s("KEY#k"),
		"key":   s("k"),
		"value": s(`{"a":1}`),
	}}}
	c := mustNewClient(t, db)

	v, err := c.GetValue(context.Background(), "u-1", "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(v))
	require.True(t, aws.ToBool(db.lastGetIn.ConsistentRead))

	c = mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err = c.GetValue(context.Background(), "u-1", "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteValue(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.DeleteValue(context.Background(), "u-1", "k"))
	require.Equal(t, "KEY#k", db.lastDelIn.Key["SK"].(*types.AttributeValueMemberS).Value)

	c = mustNewClient(t, &fakeDynamo{deleteErr: errors.New("nope")})
	require.Error(t, c.DeleteValue(context.Background(), "u-1", "k"))
}

func TestListKeys_Paginates(t *testing.T) {
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{{"key": s("sessions:a")}},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": s("USER#u-1"), "SK": s("KEY#sessions:a")},
		},
		{
			Items: []map[string]types.AttributeValue{{"key": s("sessions:b")}},
		},
	}}
	c := mustNewClient(t, db)

	keys, err := c.ListKeys(context.Background(), "u-1", "sessions:")
	require.NoError(t, err)
	require.Equal(t, []string{"sessions:a", "sessions:b"}, keys)
	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)

	in := db.queryInputs[0]
	require.Contains(t, aws.ToString(in.KeyConditionExpression), "begins_with")
	var sawPrefix bool
	for _, v := range in.ExpressionAttributeValues {
		if sv, ok := v.(*types.AttributeValueMemberS); ok && sv.Value == "KEY#sessions:" {
			sawPrefix = true
		}
	}
	require.True(t, sawPrefix)
}

func TestListKeys_Empty(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{}}})
	keys, err := c.ListKeys(context.Background(), "u-1", "")
	require.NoError(t, err)
	require.NotNil(t, keys)
	require.Empty(t, keys)
}

func TestListKeys_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("down")})
	_, err := c.ListKeys(context.Background(), "u-1", "")
	require.ErrorContains(t, err, "down")
}
