package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"bibliobot/internal/conversation"
	"bibliobot/internal/domain"
)

type fakeDynamo struct {
	getOut        *dynamodb.GetItemOutput
	getErr        error
	queryPages    []*dynamodb.QueryOutput
	queryErr      error
	txErr         error
	updateErr     error
	lastGetInput  *dynamodb.GetItemInput
	queryInputs   []*dynamodb.QueryInput
	lastTxInput   *dynamodb.TransactWriteItemsInput
	lastUpdateIn  *dynamodb.UpdateItemInput
	transactCalls int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transactCalls++
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

var fixedNow = time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func makeMetaItem(sessionID string, epoch, turns int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":    &types.AttributeValueMemberS{Value: convPK(sessionID)},
		"SK":    &types.AttributeValueMemberS{Value: skMeta},
		"epoch": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", epoch)},
		"turns": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turns)},
	}
}

func withMeta(sessionID string, epoch, turns int) *fakeDynamo {
	return &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeMetaItem(sessionID, epoch, turns)}}
}

func makeTurnItem(epoch, seq int, speaker domain.Speaker, text string) map[string]types.AttributeValue {
	return turnItem("abc", epoch, seq, domain.Turn{Speaker: speaker, Text: text, CreatedAt: fixedNow}, 0)
}

func sVal(t *testing.T, v types.AttributeValue) string {
	t.Helper()
	s, ok := v.(*types.AttributeValueMemberS)
	require.True(t, ok)
	return s.Value
}

func nVal(t *testing.T, v types.AttributeValue) string {
	t.Helper()
	n, ok := v.(*types.AttributeValueMemberN)
	require.True(t, ok)
	return n.Value
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.ErrorContains(t, err, "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestKeys(t *testing.T) {
	require.Equal(t, "CONV#my-conv", convPK("my-conv"))
	require.Equal(t, "TURN#000002#", turnPrefix(2))
	require.Equal(t, "TURN#000002#000010", turnSK(2, 10))
	require.Less(t, turnSK(0, 9), turnSK(0, 10))
}

func TestCreateSession_WritesMetaAndGreeting(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	turns, err := c.CreateSession(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, conversation.Greeting, turns[0].Text)
	require.Equal(t, fixedNow, turns[0].CreatedAt)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 2)
	meta := items[0].Put.Item
	require.Equal(t, skMeta, sVal(t, meta["SK"]))
	require.Equal(t, "0", nVal(t, meta["epoch"]))
	require.Equal(t, "1", nVal(t, meta["turns"]))
	require.Equal(t, condNewItem, *items[0].Put.ConditionExpression)

	greeting := items[1].Put.Item
	require.Equal(t, "TURN#000000#000001", sVal(t, greeting["SK"]))
	require.Equal(t, "assistant", sVal(t, greeting["speaker"]))
	require.Equal(t, condNewItem, *items[1].Put.ConditionExpression)
}

func TestCreateSession_Exists(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
	}}
	c := mustNewClient(t, db)
	_, err := c.CreateSession(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrSessionExists)
}

func TestCreateSession_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: errors.New("ProvisionedThroughputExceededException")})
	_, err := c.CreateSession(context.Background(), "abc")
	require.ErrorContains(t, err, "CreateSession")
	require.NotErrorIs(t, err, domain.ErrSessionExists)
}

func TestListTurns_QueriesCurrentEpochInOrder(t *testing.T) {
	db := withMeta("abc", 3, 2)
	db.queryPages = []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			makeTurnItem(3, 1, domain.SpeakerAssistant, "¡Hola de nuevo!"),
			makeTurnItem(3, 2, domain.SpeakerUser, "¿Cuál es el horario?"),
		},
	}}
	c := mustNewClient(t, db)

	turns, err := c.ListTurns(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, domain.SpeakerAssistant, turns[0].Speaker)
	require.Equal(t, "¿Cuál es el horario?", turns[1].Text)
	require.Equal(t, fixedNow, turns[1].CreatedAt)

	in := db.queryInputs[0]
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *in.KeyConditionExpression)
	require.Equal(t, "TURN#000003#", sVal(t, in.ExpressionAttributeValues[":prefix"]))
	require.True(t, *in.ScanIndexForward)
	require.True(t, *in.ConsistentRead)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestListTurns_FollowsPages(t *testing.T) {
	lastKey := map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "CONV#abc"}}
	db := withMeta("abc", 0, 2)
	db.queryPages = []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{makeTurnItem(0, 1, domain.SpeakerAssistant, "uno")}, LastEvaluatedKey: lastKey},
		{Items: []map[string]types.AttributeValue{makeTurnItem(0, 2, domain.SpeakerUser, "dos")}},
	}
	c := mustNewClient(t, db)

	turns, err := c.ListTurns(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Len(t, db.queryInputs, 2)
	require.Equal(t, lastKey, db.queryInputs[1].ExclusiveStartKey)
}

func TestListTurns_SessionNotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.ListTurns(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestListTurns_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.ListTurns(context.Background(), "abc")
	require.ErrorContains(t, err, "get meta")

	db := withMeta("abc", 0, 1)
	db.queryErr = errors.New("ResourceNotFoundException")
	c = mustNewClient(t, db)
	_, err = c.ListTurns(context.Background(), "abc")
	require.ErrorContains(t, err, "ListTurns query")

	db = withMeta("abc", 0, 1)
	db.queryPages = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{{
		"PK": &types.AttributeValueMemberS{Value: "CONV#abc"},
	}}}}
	c = mustNewClient(t, db)
	_, err = c.ListTurns(context.Background(), "abc")
	require.ErrorContains(t, err, "speaker")
}

func TestGetMeta_MalformedTurns(t *testing.T) {
	item := makeMetaItem("abc", 0, 1)
	item["turns"] = &types.AttributeValueMemberS{Value: "bad"}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := c.ListTurns(context.Background(), "abc")
	require.ErrorContains(t, err, "decode turns")
}

func TestAppendTurn_ConditionalOnReadCount(t *testing.T) {
	db := withMeta("abc", 1, 4)
	c := mustNewClient(t, db)

	err := c.AppendTurn(context.Background(), "abc", domain.Turn{Speaker: domain.SpeakerUser, Text: "hola", CreatedAt: fixedNow})
	require.NoError(t, err)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 2)
	require.Equal(t, "TURN#000001#000005", sVal(t, items[0].Put.Item["SK"]))
	require.Equal(t, "user", sVal(t, items[0].Put.Item["speaker"]))
	require.Equal(t, condNewItem, *items[0].Put.ConditionExpression)

	update := items[1].Update
	require.Equal(t, "epoch = :epoch AND turns = :prev", *update.ConditionExpression)
	require.Equal(t, "5", nVal(t, update.ExpressionAttributeValues[":seq"]))
	require.Equal(t, "4", nVal(t, update.ExpressionAttributeValues[":prev"]))
	require.Equal(t, "1", nVal(t, update.ExpressionAttributeValues[":epoch"]))
	require.Equal(t, "ttl", update.ExpressionAttributeNames["#ttl"])
}

func TestAppendTurn_RejectsInvalidTurn(t *testing.T) {
	db := withMeta("abc", 0, 1)
	c := mustNewClient(t, db)
	err := c.AppendTurn(context.Background(), "abc", domain.Turn{Speaker: domain.SpeakerUser, Text: " "})
	require.ErrorIs(t, err, conversation.ErrEmptyText)
	require.Zero(t, db.transactCalls)
}

func TestAppendTurn_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	err := c.AppendTurn(context.Background(), "abc", domain.Turn{Speaker: domain.SpeakerUser, Text: "hola"})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	db := withMeta("abc", 0, 1)
	db.txErr = errors.New("transaction canceled")
	c = mustNewClient(t, db)
	err = c.AppendTurn(context.Background(), "abc", domain.Turn{Speaker: domain.SpeakerUser, Text: "hola"})
	require.ErrorContains(t, err, "AppendTurn")
}

func TestResetSession_StartsNewEpoch(t *testing.T) {
	db := withMeta("abc", 2, 9)
	c := mustNewClient(t, db)

	turns, err := c.ResetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, conversation.Regreeting, turns[0].Text)

	items := db.lastTxInput.TransactItems
	require.Equal(t, "TURN#000003#000001", sVal(t, items[0].Put.Item["SK"]))
	require.Equal(t, conversation.Regreeting, sVal(t, items[0].Put.Item["text"]))
	update := items[1].Update
	require.Equal(t, "3", nVal(t, update.ExpressionAttributeValues[":next"]))
	require.Equal(t, "1", nVal(t, update.ExpressionAttributeValues[":one"]))
	require.Equal(t, "2", nVal(t, update.ExpressionAttributeValues[":epoch"]))
	require.Contains(t, *update.ConditionExpression, "busyUntil < :nowms")
}

func TestResetSession_RefusedWhileBusy(t *testing.T) {
	db := withMeta("abc", 0, 2)
	db.getOut.Item["busyUntil"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", fixedNow.Add(time.Minute).UnixMilli())}
	c := mustNewClient(t, db)

	_, err := c.ResetSession(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrSessionBusy)
	require.Zero(t, db.transactCalls)
}

func TestResetSession_ConditionFailureIsBusy(t *testing.T) {
	db := withMeta("abc", 0, 2)
	db.txErr = &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("None")}, {Code: aws.String("ConditionalCheckFailed")}},
	}
	c := mustNewClient(t, db)
	_, err := c.ResetSession(context.Background(), "abc")
	require.ErrorIs(t, err, domain.ErrSessionBusy)
}

func TestAcquireBusy_SetsLease(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	until := fixedNow.Add(45 * time.Second)

	require.NoError(t, c.AcquireBusy(context.Background(), "abc", until))
	in := db.lastUpdateIn
	require.Equal(t, "SET busyUntil = :until", *in.UpdateExpression)
	require.Equal(t, "attribute_exists(PK) AND (attribute_not_exists(busyUntil) OR busyUntil < :now)", *in.ConditionExpression)
	require.Equal(t, fmt.Sprintf("%d", until.UnixMilli()), nVal(t, in.ExpressionAttributeValues[":until"]))
	require.Equal(t, fmt.Sprintf("%d", fixedNow.UnixMilli()), nVal(t, in.ExpressionAttributeValues[":now"]))
	require.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)
}

func TestAcquireBusy_ConditionFailures(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{Item: makeMetaItem("abc", 0, 1)}}
	c := mustNewClient(t, db)
	err := c.AcquireBusy(context.Background(), "abc", fixedNow.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrSessionBusy)

	db = &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	c = mustNewClient(t, db)
	err = c.AcquireBusy(context.Background(), "abc", fixedNow.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	db = &fakeDynamo{updateErr: errors.New("throttled")}
	c = mustNewClient(t, db)
	err = c.AcquireBusy(context.Background(), "abc", fixedNow.Add(time.Minute))
	require.ErrorContains(t, err, "AcquireBusy")
	require.NotErrorIs(t, err, domain.ErrSessionBusy)
}

func TestReleaseBusy(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	until := fixedNow.Add(time.Minute)

	require.NoError(t, c.ReleaseBusy(context.Background(), "abc", until))
	require.Equal(t, "REMOVE busyUntil", *db.lastUpdateIn.UpdateExpression)
	require.Equal(t, "busyUntil = :until", *db.lastUpdateIn.ConditionExpression)

	db.updateErr = &types.ConditionalCheckFailedException{}
	require.NoError(t, c.ReleaseBusy(context.Background(), "abc", until))

	db.updateErr = errors.New("throttled")
	require.ErrorContains(t, c.ReleaseBusy(context.Background(), "abc", until), "ReleaseBusy")
}
