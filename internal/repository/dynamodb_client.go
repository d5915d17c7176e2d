package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"busticket-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL on conversation items
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations, bookings, the route catalog and users in a
// single DynamoDB table.
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

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// msgSK returns the sort key of a turn written at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

func (c *Client) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// GetConversation reads the conversation metadata and its newest turns in
// chronological order. It returns nil when the conversation does not exist.
func (c *Client) GetConversation(ctx context.Context, conversationID string, historyLimit int) (*domain.ConversationRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation decode meta: %w", err)
	}
	conv.ID = conversationID

	if historyLimit > 0 {
		turns, err := c.history(ctx, conversationID, historyLimit)
		if err != nil {
			return nil, err
		}
		conv.Turns = turns
	}
	return &conv, nil
}

func (c *Client) history(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation query turns: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetConversation decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// CreateConversation writes an empty conversation. An existing conversation
// is reported as domain.ErrConflict.
func (c *Client) CreateConversation(ctx context.Context, conv domain.ConversationRecord) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.metaItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", conditionErr(err, domain.ErrConflict))
	}
	return nil
}

// UpsertDraft replaces the draft, creating the conversation item if needed.
func (c *Client) UpsertDraft(ctx context.Context, conversationID string, draft domain.BookingDraft) error {
	now := c.now().UTC()
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              c.key(convPK(conversationID), skMeta),
		UpdateExpression: aws.String("SET draft = :draft, conversationId = :cid, lastActivity = :now, createdAt = if_not_exists(createdAt, :now), #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":draft": draftAttr(draft),
			":cid":   &types.AttributeValueMemberS{Value: conversationID},
			":now":   timeAttr(now),
			":ttl":   numAttr(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: UpsertDraft: %w", err)
	}
	return nil
}

// AppendTurn writes the turn and bumps the conversation metadata in one
// transaction.
func (c *Client) AppendTurn(ctx context.Context, conversationID, userID string, turn domain.Turn) error {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	ttl := numAttr(c.ttlValue())

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":             &types.AttributeValueMemberS{Value: convPK(conversationID)},
						"SK":             &types.AttributeValueMemberS{Value: msgSK(ts)},
						"conversationId": &types.AttributeValueMemberS{Value: conversationID},
						"text":           &types.AttributeValueMemberS{Value: turn.User},
						"answer":         &types.AttributeValueMemberS{Value: turn.Assistant},
						"ttl":            ttl,
					},
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              c.key(convPK(conversationID), skMeta),
					UpdateExpression: aws.String("SET conversationId = :cid, userId = if_not_exists(userId, :uid), createdAt = if_not_exists(createdAt, :now), lastActivity = :now, #ttl = :ttl ADD turns :one"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":cid": &types.AttributeValueMemberS{Value: conversationID},
						":uid": &types.AttributeValueMemberS{Value: userID},
						":now": timeAttr(ts),
						":ttl": ttl,
						":one": numAttr(1),
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

// UnsetDraft removes the draft attribute from the conversation.
func (c *Client) UnsetDraft(ctx context.Context, conversationID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("REMOVE draft"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("repository: UnsetDraft: %w", err)
	}
	return nil
}

// conditionErr maps a failed condition expression onto sentinel.
func conditionErr(err, sentinel error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) && transactionConditionFailed(tce) {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

func transactionConditionFailed(tce *types.TransactionCanceledException) bool {
	if len(tce.CancellationReasons) == 0 {
		return true
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}
