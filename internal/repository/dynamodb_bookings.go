package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"busticket-agent/internal/domain"
)

const (
	skBooking   = "BOOKING#"
	pkCatalog   = "CATALOG#"
	skRoutes    = "ROUTES#"
	skProfile   = "PROFILE#"
	skEmail     = "EMAIL#"
	userIndex   = "GSI1"
	gsiUserPfx  = "USER#"
	bookingCond = "attribute_not_exists(PK)"
)

func bookingPK(id string) string { return "BOOKING#" + id }

func userPK(username string) string { return "USER#" + strings.ToLower(username) }

func emailPK(email string) string { return "EMAIL#" + strings.ToLower(email) }

// InsertBooking writes rec. A booking with the same id is domain.ErrConflict.
func (c *Client) InsertBooking(ctx context.Context, rec domain.BookingRecord) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                bookingItem(rec),
		ConditionExpression: aws.String(bookingCond),
	})
	if err != nil {
		return fmt.Errorf("repository: InsertBooking: %w", conditionErr(err, domain.ErrConflict))
	}
	return nil
}

// CommitBooking writes rec and clears the draft it was built from in one
// transaction. The draft must still be awaiting confirmation at
// marker.Revision; otherwise nothing is written and domain.ErrConflict is
// returned.
func (c *Client) CommitBooking(ctx context.Context, rec domain.BookingRecord, marker domain.CommitMarker) error {
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                bookingItem(rec),
					ConditionExpression: aws.String(bookingCond),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 c.key(convPK(rec.ConversationID), skMeta),
					UpdateExpression:    aws.String("REMOVE draft SET lastCommit = :commit, lastActivity = :now"),
					ConditionExpression: aws.String("draft.awaitingConfirmation = :true AND draft.revision = :rev"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":commit": commitAttr(marker),
						":now":    timeAttr(marker.At),
						":true":   &types.AttributeValueMemberBOOL{Value: true},
						":rev":    &types.AttributeValueMemberS{Value: marker.Revision},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: CommitBooking: %w", conditionErr(err, domain.ErrConflict))
	}
	return nil
}

func (c *Client) GetBooking(ctx context.Context, bookingID string) (domain.BookingRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(bookingPK(bookingID), skBooking),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.BookingRecord{}, fmt.Errorf("repository: GetBooking: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.BookingRecord{}, fmt.Errorf("repository: GetBooking %s: %w", bookingID, domain.ErrNotFound)
	}
	rec, err := itemToBooking(out.Item)
	if err != nil {
		return domain.BookingRecord{}, fmt.Errorf("repository: GetBooking decode: %w", err)
	}
	return rec, nil
}

// ListBookings returns the bookings of userID, oldest first.
func (c *Client) ListBookings(ctx context.Context, userID string) ([]domain.BookingRecord, error) {
	var (
		out  []domain.BookingRecord
		last map[string]types.AttributeValue
	)
	for {
		page, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(userIndex),
			KeyConditionExpression: aws.String("gsi1pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: gsiUserPfx + userID},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: last,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListBookings query: %w", err)
		}
		for _, item := range page.Items {
			rec, err := itemToBooking(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListBookings decode: %w", err)
			}
			out = append(out, rec)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		last = page.LastEvaluatedKey
	}
}

// CancelBooking marks a booking cancelled. Cancelling twice keeps the first
// cancellation time.
func (c *Client) CancelBooking(ctx context.Context, bookingID string, at time.Time) (domain.BookingRecord, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(bookingPK(bookingID), skBooking),
		UpdateExpression:    aws.String("SET #status = :cancelled, cancelledAt = if_not_exists(cancelledAt, :at)"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": &types.AttributeValueMemberS{Value: string(domain.BookingCancelled)},
			":at":        timeAttr(at),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return domain.BookingRecord{}, fmt.Errorf("repository: CancelBooking: %w", conditionErr(err, domain.ErrNotFound))
	}
	rec, err := itemToBooking(out.Attributes)
	if err != nil {
		return domain.BookingRecord{}, fmt.Errorf("repository: CancelBooking decode: %w", err)
	}
	return rec, nil
}

// RouteCatalog reads the seeded catalog. A table without one reports
// domain.ErrNotFound.
func (c *Client) RouteCatalog(ctx context.Context) (domain.RouteCatalog, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(pkCatalog, skRoutes),
	})
	if err != nil {
		return domain.RouteCatalog{}, fmt.Errorf("repository: RouteCatalog: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.RouteCatalog{}, fmt.Errorf("repository: RouteCatalog: %w", domain.ErrNotFound)
	}
	data, err := strAttr(out.Item, "data")
	if err != nil {
		return domain.RouteCatalog{}, fmt.Errorf("repository: RouteCatalog: %w", err)
	}
	var catalog domain.RouteCatalog
	if err := json.Unmarshal([]byte(data), &catalog); err != nil {
		return domain.RouteCatalog{}, fmt.Errorf("repository: RouteCatalog decode: %w", err)
	}
	return catalog, nil
}

func (c *Client) PutRouteCatalog(ctx context.Context, catalog domain.RouteCatalog) error {
	data, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("repository: PutRouteCatalog encode: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: pkCatalog},
			"SK":        &types.AttributeValueMemberS{Value: skRoutes},
			"data":      &types.AttributeValueMemberS{Value: string(data)},
			"updatedAt": timeAttr(c.now()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutRouteCatalog: %w", err)
	}
	return nil
}

// CreateUser writes the profile and an email claim item together so both
// username and email stay unique.
func (c *Client) CreateUser(ctx context.Context, u domain.User) error {
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                userItem(u),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":       &types.AttributeValueMemberS{Value: emailPK(u.Email)},
						"SK":       &types.AttributeValueMemberS{Value: skEmail},
						"username": &types.AttributeValueMemberS{Value: u.Username},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: CreateUser: %w", conditionErr(err, domain.ErrConflict))
	}
	return nil
}

func (c *Client) GetUserByUsername(ctx context.Context, username string) (domain.User, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(userPK(username), skProfile),
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUserByUsername: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, fmt.Errorf("repository: GetUserByUsername: %w", domain.ErrNotFound)
	}
	u, err := itemToUser(out.Item)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUserByUsername decode: %w", err)
	}
	return u, nil
}
