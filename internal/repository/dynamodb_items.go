package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"busticket-agent/internal/domain"
)

func (c *Client) metaItem(conv domain.ConversationRecord) map[string]types.AttributeValue {
	created := conv.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	last := conv.LastActivity
	if last.IsZero() {
		last = created
	}
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(conv.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: conv.ID},
		"userId":         &types.AttributeValueMemberS{Value: conv.UserID},
		"createdAt":      timeAttr(created),
		"lastActivity":   timeAttr(last),
		"turns":          numAttr(int64(len(conv.Turns))),
		"ttl":            numAttr(c.ttlValue()),
	}
	if conv.Draft != nil {
		item["draft"] = draftAttr(*conv.Draft)
	}
	if conv.LastCommit != nil {
		item["lastCommit"] = commitAttr(*conv.LastCommit)
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.ConversationRecord, error) {
	var conv domain.ConversationRecord
	conv.ID = optStr(item, "conversationId")
	conv.UserID = optStr(item, "userId")
	conv.CreatedAt = optTime(item, "createdAt")
	conv.LastActivity = optTime(item, "lastActivity")

	if v, ok := item["draft"]; ok {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.ConversationRecord{}, fmt.Errorf("repository: attribute %q is not a map", "draft")
		}
		d, err := draftFromAttr(m.Value)
		if err != nil {
			return domain.ConversationRecord{}, err
		}
		conv.Draft = &d
	}
	if v, ok := item["lastCommit"]; ok {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.ConversationRecord{}, fmt.Errorf("repository: attribute %q is not a map", "lastCommit")
		}
		lc := domain.CommitMarker{
			BookingID: optStr(m.Value, "bookingId"),
			Revision:  optStr(m.Value, "revision"),
			Message:   optStr(m.Value, "message"),
			At:        optTime(m.Value, "at"),
		}
		conv.LastCommit = &lc
	}
	return conv, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(sk, skPrefixMsg))
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse turn key %q: %w", sk, err)
	}
	return domain.Turn{User: text, Assistant: optStr(item, "answer"), Timestamp: ts}, nil
}

func draftAttr(d domain.BookingDraft) *types.AttributeValueMemberM {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"revision":             &types.AttributeValueMemberS{Value: d.Revision},
		"name":                 &types.AttributeValueMemberS{Value: d.Name},
		"phone":                &types.AttributeValueMemberS{Value: d.Phone},
		"pickupPoint":          &types.AttributeValueMemberS{Value: d.PickupPoint},
		"droppingPoint":        &types.AttributeValueMemberS{Value: d.DroppingPoint},
		"date":                 &types.AttributeValueMemberS{Value: d.Date},
		"seats":                numAttr(int64(d.Seats)),
		"awaitingConfirmation": &types.AttributeValueMemberBOOL{Value: d.AwaitingConfirmation},
		"updatedAt":            timeAttr(d.UpdatedAt),
	}}
}

func draftFromAttr(m map[string]types.AttributeValue) (domain.BookingDraft, error) {
	d := domain.BookingDraft{
		Revision:      optStr(m, "revision"),
		Name:          optStr(m, "name"),
		Phone:         optStr(m, "phone"),
		PickupPoint:   optStr(m, "pickupPoint"),
		DroppingPoint: optStr(m, "droppingPoint"),
		Date:          optStr(m, "date"),
		UpdatedAt:     optTime(m, "updatedAt"),
	}
	if _, ok := m["seats"]; ok {
		seats, err := intAttr(m, "seats")
		if err != nil {
			return domain.BookingDraft{}, err
		}
		d.Seats = seats
	}
	if b, ok := m["awaitingConfirmation"].(*types.AttributeValueMemberBOOL); ok {
		d.AwaitingConfirmation = b.Value
	}
	return d, nil
}

func commitAttr(lc domain.CommitMarker) *types.AttributeValueMemberM {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"bookingId": &types.AttributeValueMemberS{Value: lc.BookingID},
		"revision":  &types.AttributeValueMemberS{Value: lc.Revision},
		"message":   &types.AttributeValueMemberS{Value: lc.Message},
		"at":        timeAttr(lc.At),
	}}
}

func bookingItem(rec domain.BookingRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: bookingPK(rec.BookingID)},
		"SK":             &types.AttributeValueMemberS{Value: skBooking},
		"gsi1pk":         &types.AttributeValueMemberS{Value: gsiUserPfx + rec.UserID},
		"gsi1sk":         timeAttr(rec.BookedAt),
		"bookingId":      &types.AttributeValueMemberS{Value: rec.BookingID},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"userId":         &types.AttributeValueMemberS{Value: rec.UserID},
		"name":           &types.AttributeValueMemberS{Value: rec.Name},
		"phone":          &types.AttributeValueMemberS{Value: rec.Phone},
		"pickupPoint":    &types.AttributeValueMemberS{Value: rec.PickupPoint},
		"droppingPoint":  &types.AttributeValueMemberS{Value: rec.DroppingPoint},
		"date":           &types.AttributeValueMemberS{Value: rec.Date},
		"seats":          numAttr(int64(rec.Seats)),
		"status":         &types.AttributeValueMemberS{Value: string(rec.Status)},
		"bookedAt":       timeAttr(rec.BookedAt),
	}
	if rec.CancelledAt != nil {
		item["cancelledAt"] = timeAttr(*rec.CancelledAt)
	}
	return item
}

func itemToBooking(item map[string]types.AttributeValue) (domain.BookingRecord, error) {
	id, err := strAttr(item, "bookingId")
	if err != nil {
		return domain.BookingRecord{}, err
	}
	seats, err := intAttr(item, "seats")
	if err != nil {
		return domain.BookingRecord{}, err
	}
	rec := domain.BookingRecord{
		BookingID:      id,
		ConversationID: optStr(item, "conversationId"),
		UserID:         optStr(item, "userId"),
		Name:           optStr(item, "name"),
		Phone:          optStr(item, "phone"),
		PickupPoint:    optStr(item, "pickupPoint"),
		DroppingPoint:  optStr(item, "droppingPoint"),
		Date:           optStr(item, "date"),
		Seats:          seats,
		Status:         domain.BookingStatus(optStr(item, "status")),
		BookedAt:       optTime(item, "bookedAt"),
	}
	if at := optTime(item, "cancelledAt"); !at.IsZero() {
		rec.CancelledAt = &at
	}
	return rec, nil
}

func userItem(u domain.User) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: userPK(u.Username)},
		"SK":           &types.AttributeValueMemberS{Value: skProfile},
		"userId":       &types.AttributeValueMemberS{Value: u.ID},
		"username":     &types.AttributeValueMemberS{Value: u.Username},
		"email":        &types.AttributeValueMemberS{Value: u.Email},
		"passwordHash": &types.AttributeValueMemberS{Value: u.PasswordHash},
		"createdAt":    timeAttr(u.CreatedAt),
	}
	if u.FullName != "" {
		item["fullName"] = &types.AttributeValueMemberS{Value: u.FullName}
	}
	return item
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	id, err := strAttr(item, "userId")
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:           id,
		Username:     optStr(item, "username"),
		Email:        optStr(item, "email"),
		FullName:     optStr(item, "fullName"),
		PasswordHash: optStr(item, "passwordHash"),
		CreatedAt:    optTime(item, "createdAt"),
	}, nil
}

func timeAttr(t time.Time) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
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

// optStr returns the string attribute, or "" when absent or mistyped.
func optStr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func optTime(item map[string]types.AttributeValue, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, optStr(item, key))
	if err != nil {
		return time.Time{}
	}
	return t
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
