package usecase

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"busticket-agent/internal/domain"
)

// bookingNamespace scopes deterministic booking ids.
var bookingNamespace = uuid.MustParse("3b6f3f0e-4f0a-5c8e-9d3b-6a1f2c7d8e90")

// BookingID derives the id of the booking committed from draft. The same
// conversation and draft revision always yield the same id.
func BookingID(conversationID string, d domain.BookingDraft) string {
	key := strings.Join([]string{
		conversationID, d.Revision, d.Name, d.Phone, d.PickupPoint, d.DroppingPoint, d.Date, strconv.Itoa(d.Seats),
	}, "\x1f")
	return uuid.NewSHA1(bookingNamespace, []byte(key)).String()
}

type CommitStatus int

const (
	// CommitCreated means this call persisted the booking.
	CommitCreated CommitStatus = iota
	// CommitAlreadyDone means the booking for this draft already exists.
	CommitAlreadyDone
	// CommitSuperseded means the draft changed or vanished before the write.
	CommitSuperseded
)

type CommitResult struct {
	Booking domain.BookingRecord
	Status  CommitStatus
}

// Committer turns a confirmed draft into a booking at most once.
type Committer struct {
	bookings BookingStore
	drafts   ConversationStore
	events   EventPublisher
	validate *validator.Validate
	policy   callPolicy
	log      *zap.Logger
	now      func() time.Time
}

// NewCommitter builds a Committer. events may be nil.
func NewCommitter(bookings BookingStore, drafts ConversationStore, events EventPublisher, log *zap.Logger, timeout time.Duration) (*Committer, error) {
	if bookings == nil {
		return nil, errors.New("usecase: booking store must not be nil")
	}
	if drafts == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Committer{
		bookings: bookings,
		drafts:   drafts,
		events:   events,
		validate: validator.New(),
		policy:   newCallPolicy(timeout, 0),
		log:      log,
		now:      time.Now,
	}, nil
}

// Commit persists the booking for conv's draft and clears the draft.
func (c *Committer) Commit(ctx context.Context, conv domain.ConversationRecord, message string) (CommitResult, error) {
	log := c.log.With(zap.String("conversation_id", conv.ID))
	d := conv.Draft
	if d == nil || !d.AwaitingConfirmation || !draftComplete(*d) {
		err := newError(ErrorIllegalState, "draft_not_ready", nil)
		log.Error("commit attempted on a draft that is not ready", zap.Error(err))
		return CommitResult{}, err
	}

	rec := domain.BookingRecord{
		BookingID:      BookingID(conv.ID, *d),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Name:           d.Name,
		Phone:          d.Phone,
		PickupPoint:    d.PickupPoint,
		DroppingPoint:  d.DroppingPoint,
		Date:           d.Date,
		Seats:          d.Seats,
		Status:         domain.BookingConfirmed,
		BookedAt:       c.now().UTC(),
	}
	if err := c.validate.Struct(rec); err != nil {
		log.Error("booking record failed validation", zap.Error(err))
		return CommitResult{}, newError(ErrorIllegalState, "booking_invalid", err)
	}
	marker := domain.CommitMarker{BookingID: rec.BookingID, Revision: d.Revision, Message: message, At: rec.BookedAt}

	err := c.policy.do(ctx, false, func(ctx context.Context) error {
		return c.persist(ctx, rec, marker)
	})
	switch {
	case err == nil:
		log.Info("booking committed", zap.String("booking_id", rec.BookingID))
		c.publish(ctx, rec, log)
		return CommitResult{Booking: rec, Status: CommitCreated}, nil
	case errors.Is(err, domain.ErrConflict):
		return c.resolveConflict(ctx, rec, log)
	default:
		log.Error("booking commit failed", zap.String("booking_id", rec.BookingID), zap.Error(err))
		return CommitResult{}, storageError("booking_commit_error", err)
	}
}

func (c *Committer) persist(ctx context.Context, rec domain.BookingRecord, marker domain.CommitMarker) error {
	if ac, ok := c.bookings.(AtomicCommitter); ok {
		return ac.CommitBooking(ctx, rec, marker)
	}
	if err := c.bookings.InsertBooking(ctx, rec); err != nil {
		return err
	}
	// The booking is durable at this point; a failed unset leaves a draft
	// whose next confirmation resolves to the existing booking.
	if err := c.drafts.UnsetDraft(ctx, rec.ConversationID); err != nil {
		c.log.Error("draft unset after booking insert failed",
			zap.String("conversation_id", rec.ConversationID), zap.String("booking_id", rec.BookingID), zap.Error(err))
	}
	return nil
}

func (c *Committer) resolveConflict(ctx context.Context, rec domain.BookingRecord, log *zap.Logger) (CommitResult, error) {
	var existing domain.BookingRecord
	err := c.policy.do(ctx, true, func(ctx context.Context) error {
		var getErr error
		existing, getErr = c.bookings.GetBooking(ctx, rec.BookingID)
		return getErr
	})
	switch {
	case err == nil:
		log.Warn("booking already committed for this draft", zap.String("booking_id", existing.BookingID))
		return CommitResult{Booking: existing, Status: CommitAlreadyDone}, nil
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("draft changed before commit", zap.String("booking_id", rec.BookingID))
		return CommitResult{Status: CommitSuperseded}, nil
	default:
		log.Error("booking lookup after conflict failed", zap.Error(err))
		return CommitResult{}, storageError("booking_lookup_error", err)
	}
}

func (c *Committer) publish(ctx context.Context, rec domain.BookingRecord, log *zap.Logger) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishBookingConfirmed(ctx, rec); err != nil {
		log.Warn("booking event publish failed", zap.String("booking_id", rec.BookingID), zap.Error(err))
	}
}

func draftComplete(d domain.BookingDraft) bool {
	return d.Name != "" && d.Phone != "" && d.PickupPoint != "" && d.DroppingPoint != "" && d.Date != "" && d.Seats > 0
}
