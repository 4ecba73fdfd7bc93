package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"bibliobot/internal/conversation"
	"bibliobot/internal/domain"
)

const (
	skMeta       = "META#"
	skPrefixTurn = "TURN#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL

	condNewItem = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores chat sessions in a single DynamoDB table.
//
// Each session has one META# item (epoch, turn count, busy lease) and one
// TURN#<epoch>#<seq> item per turn. A reset starts a new epoch; turns of older
// epochs are never read again and expire through TTL.
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

type sessionMeta struct {
	epoch     int
	turns     int
	busyUntil int64 // unix millis, 0 when free
}

func convPK(sessionID string) string {
	return "CONV#" + sessionID
}

func turnPrefix(epoch int) string {
	return fmt.Sprintf("%s%06d#", skPrefixTurn, epoch)
}

func turnSK(epoch, seq int) string {
	return fmt.Sprintf("%s%06d", turnPrefix(epoch), seq)
}

func metaKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// CreateSession writes the meta item and the greeting turn.
func (c *Client) CreateSession(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	now := c.now().UTC()
	ttl := c.ttlValue()
	greeting := conversation.GreetingTurn(now)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                metaItem(sessionID, 0, 1, now, ttl),
					ConditionExpression: aws.String(condNewItem),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(sessionID, 0, 1, greeting, ttl),
					ConditionExpression: aws.String(condNewItem),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, fmt.Errorf("repository: CreateSession: %w", domain.ErrSessionExists)
		}
		return nil, fmt.Errorf("repository: CreateSession: %w", err)
	}
	return []domain.Turn{greeting}, nil
}

// ListTurns returns the turns of the current epoch in insertion order.
func (c *Client) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	meta, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns: %w", err)
	}

	turns := make([]domain.Turn, 0, meta.turns)
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: convPK(sessionID)},
				":prefix": &types.AttributeValueMemberS{Value: turnPrefix(meta.epoch)},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// AppendTurn adds turn after the last turn of the current epoch. The meta item is
// updated in the same transaction, conditioned on the count it was read with.
func (c *Client) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	if err := conversation.Validate(turn); err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	meta, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}

	seq := meta.turns + 1
	ttl := c.ttlValue()
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(sessionID, meta.epoch, seq, turn, ttl),
					ConditionExpression: aws.String(condNewItem),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 metaKey(sessionID),
					UpdateExpression:    aws.String("SET turns = :seq, lastActivity = :now, #ttl = :ttl"),
					ConditionExpression: aws.String("epoch = :epoch AND turns = :prev"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":seq":   numAttr(int64(seq)),
						":prev":  numAttr(int64(meta.turns)),
						":epoch": numAttr(int64(meta.epoch)),
						":now":   &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
						":ttl":   numAttr(ttl),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// ResetSession starts a new epoch holding only the re-greeting. It is refused while
// a request is in flight.
func (c *Client) ResetSession(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	meta, err := c.getMeta(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: ResetSession: %w", err)
	}
	now := c.now().UTC()
	if meta.busyUntil > now.UnixMilli() {
		return nil, fmt.Errorf("repository: ResetSession: %w", domain.ErrSessionBusy)
	}

	epoch := meta.epoch + 1
	ttl := c.ttlValue()
	regreeting := conversation.RegreetingTurn(now)
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(sessionID, epoch, 1, regreeting, ttl),
					ConditionExpression: aws.String(condNewItem),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 metaKey(sessionID),
					UpdateExpression:    aws.String("SET epoch = :next, turns = :one, lastActivity = :now, #ttl = :ttl"),
					ConditionExpression: aws.String("epoch = :epoch AND (attribute_not_exists(busyUntil) OR busyUntil < :nowms)"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":next":  numAttr(int64(epoch)),
						":one":   numAttr(1),
						":epoch": numAttr(int64(meta.epoch)),
						":now":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
						":nowms": numAttr(now.UnixMilli()),
						":ttl":   numAttr(ttl),
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, fmt.Errorf("repository: ResetSession: %w", domain.ErrSessionBusy)
		}
		return nil, fmt.Errorf("repository: ResetSession: %w", err)
	}
	return []domain.Turn{regreeting}, nil
}

// AcquireBusy takes the session lease until the given time. It fails with
// domain.ErrSessionBusy while an unexpired lease exists.
func (c *Client) AcquireBusy(ctx context.Context, sessionID string, until time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(sessionID),
		UpdateExpression:    aws.String("SET busyUntil = :until"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(busyUntil) OR busyUntil < :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": numAttr(until.UnixMilli()),
			":now":   numAttr(c.now().UnixMilli()),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return fmt.Errorf("repository: AcquireBusy: %w", domain.ErrSessionNotFound)
			}
			return fmt.Errorf("repository: AcquireBusy: %w", domain.ErrSessionBusy)
		}
		return fmt.Errorf("repository: AcquireBusy: %w", err)
	}
	return nil
}

// ReleaseBusy drops the lease taken with the same until value. A lease that has
// already been replaced is left alone.
func (c *Client) ReleaseBusy(ctx context.Context, sessionID string, until time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 metaKey(sessionID),
		UpdateExpression:    aws.String("REMOVE busyUntil"),
		ConditionExpression: aws.String("busyUntil = :until"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":until": numAttr(until.UnixMilli()),
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("repository: ReleaseBusy: %w", err)
	}
	return nil
}

func (c *Client) getMeta(ctx context.Context, sessionID string) (sessionMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sessionMeta{}, fmt.Errorf("get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return sessionMeta{}, domain.ErrSessionNotFound
	}

	epoch, err := intAttr(out.Item, "epoch")
	if err != nil {
		return sessionMeta{}, fmt.Errorf("decode epoch: %w", err)
	}
	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return sessionMeta{}, fmt.Errorf("decode turns: %w", err)
	}
	meta := sessionMeta{epoch: epoch, turns: turns}
	if _, ok := out.Item["busyUntil"]; ok {
		busy, err := intAttr(out.Item, "busyUntil")
		if err != nil {
			return sessionMeta{}, fmt.Errorf("decode busyUntil: %w", err)
		}
		meta.busyUntil = int64(busy)
	}
	return meta, nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return false
	}
	for _, r := range txErr.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func metaItem(sessionID string, epoch, turns int, now time.Time, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(sessionID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: sessionID},
		"epoch":          numAttr(int64(epoch)),
		"turns":          numAttr(int64(turns)),
		"lastActivity":   &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
		"ttl":            numAttr(ttl),
	}
}

func turnItem(sessionID string, epoch, seq int, turn domain.Turn, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(sessionID)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(epoch, seq)},
		"conversationId": &types.AttributeValueMemberS{Value: sessionID},
		"speaker":        &types.AttributeValueMemberS{Value: string(turn.Speaker)},
		"text":           &types.AttributeValueMemberS{Value: turn.Text},
		"createdAt":      &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            numAttr(ttl),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	speaker, err := strAttr(item, "speaker")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	return domain.Turn{
		Speaker:   domain.Speaker(speaker),
		Text:      text,
		CreatedAt: createdAt,
	}, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
