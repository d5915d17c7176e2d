package usecase

import (
	"context"
	"time"

	"busticket-agent/internal/domain"
)

// TextGenerator is the text extraction service. With jsonMode the response
// must be a single JSON object.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type KnowledgeSearcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]domain.KnowledgeChunk, error)
}

// ConversationStore persists conversation records. GetConversation returns
// nil and no error when the conversation does not exist.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string, historyLimit int) (*domain.ConversationRecord, error)
	CreateConversation(ctx context.Context, conv domain.ConversationRecord) error
	UpsertDraft(ctx context.Context, conversationID string, draft domain.BookingDraft) error
	AppendTurn(ctx context.Context, conversationID, userID string, turn domain.Turn) error
	UnsetDraft(ctx context.Context, conversationID string) error
}

// BookingStore persists committed bookings. InsertBooking reports
// domain.ErrConflict for a duplicate booking id; lookups report
// domain.ErrNotFound.
type BookingStore interface {
	InsertBooking(ctx context.Context, rec domain.BookingRecord) error
	GetBooking(ctx context.Context, bookingID string) (domain.BookingRecord, error)
	ListBookings(ctx context.Context, userID string) ([]domain.BookingRecord, error)
	CancelBooking(ctx context.Context, bookingID string, at time.Time) (domain.BookingRecord, error)
}

// AtomicCommitter is implemented by stores that can insert a booking and
// clear the draft it came from in one operation. The draft is only cleared
// if it is still awaiting confirmation at marker.Revision; otherwise the call
// fails with domain.ErrConflict and nothing is written.
type AtomicCommitter interface {
	CommitBooking(ctx context.Context, rec domain.BookingRecord, marker domain.CommitMarker) error
}

type CatalogReader interface {
	RouteCatalog(ctx context.Context) (domain.RouteCatalog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
}

// Locker serializes turns of one conversation. The returned func releases
// the lock.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type EventPublisher interface {
	PublishBookingConfirmed(ctx context.Context, rec domain.BookingRecord) error
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

type TokenIssuer interface {
	Issue(user domain.User) (string, time.Time, error)
}
