package domain

import "time"

// Turn is one completed exchange in a conversation.
type Turn struct {
	User      string    `json:"user" bson:"user"`
	Assistant string    `json:"bot" bson:"bot"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// CommitMarker records the last booking committed from a conversation so a
// repeated confirmation can be answered without re-committing.
type CommitMarker struct {
	BookingID string    `json:"booking_id" bson:"booking_id"`
	Revision  string    `json:"revision" bson:"revision"`
	Message   string    `json:"message" bson:"message"`
	At        time.Time `json:"at" bson:"at"`
}

// ConversationRecord is the persisted state of one chat thread. Turns holds
// only the most recent window requested from the store, oldest first.
type ConversationRecord struct {
	ID           string
	UserID       string
	Turns        []Turn
	Draft        *BookingDraft
	LastCommit   *CommitMarker
	CreatedAt    time.Time
	LastActivity time.Time
}

// RecentTurns returns at most n trailing turns.
func (c ConversationRecord) RecentTurns(n int) []Turn {
	if n <= 0 || len(c.Turns) <= n {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}
