package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"busticket-agent/internal/domain"
)

var bookingIDPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

const (
	noBookingsReply       = "You don't have any bookings yet."
	bookingNotFoundReply  = "I couldn't find a booking with that ID."
	nothingToCancelReply  = "You don't have any active bookings to cancel."
	askBookingIDReply     = "Please tell me the booking ID you want to cancel."
	alreadyCancelledReply = "Booking %s was already cancelled."
	cancelledReply        = "Booking %s has been cancelled."
)

// TicketService reads and cancels committed bookings.
type TicketService struct {
	bookings BookingStore
	policy   callPolicy
	log      *zap.Logger
	now      func() time.Time
}

func NewTicketService(bookings BookingStore, log *zap.Logger, timeout, backoff time.Duration) (*TicketService, error) {
	if bookings == nil {
		return nil, errors.New("usecase: booking store must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TicketService{bookings: bookings, policy: newCallPolicy(timeout, backoff), log: log, now: time.Now}, nil
}

func (s *TicketService) ListBookings(ctx context.Context, userID string) ([]domain.BookingRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	var out []domain.BookingRecord
	err := s.policy.do(ctx, true, func(ctx context.Context) error {
		var listErr error
		out, listErr = s.bookings.ListBookings(ctx, userID)
		return listErr
	})
	if err != nil {
		return nil, storageError("booking_list_error", err)
	}
	return out, nil
}

// CancelBooking cancels a booking owned by userID. Bookings of other users
// are reported as not found.
func (s *TicketService) CancelBooking(ctx context.Context, userID, bookingID string) (domain.BookingRecord, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return domain.BookingRecord{}, newError(ErrorInvalidInput, "empty_booking_id", nil)
	}

	rec, err := s.lookupOwned(ctx, userID, bookingID)
	if err != nil {
		return domain.BookingRecord{}, err
	}
	if rec.Status == domain.BookingCancelled {
		return rec, nil
	}

	at := s.now().UTC()
	err = s.policy.do(ctx, true, func(ctx context.Context) error {
		var cancelErr error
		rec, cancelErr = s.bookings.CancelBooking(ctx, bookingID, at)
		return cancelErr
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.BookingRecord{}, newError(ErrorNotFound, "booking_not_found", err)
	}
	if err != nil {
		return domain.BookingRecord{}, storageError("booking_cancel_error", err)
	}
	s.log.Info("booking cancelled", zap.String("booking_id", bookingID), zap.String("user_id", userID))
	return rec, nil
}

// viewReply renders the user's bookings as chat text.
func (s *TicketService) viewReply(ctx context.Context, userID string) (string, error) {
	bookings, err := s.ListBookings(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(bookings) == 0 {
		return noBookingsReply, nil
	}
	lines := []string{"Here are your bookings:", ""}
	for _, b := range bookings {
		lines = append(lines, formatBooking(b))
	}
	return strings.Join(lines, "\n"), nil
}

// cancelReply cancels the booking whose id appears in message, or asks for
// one.
func (s *TicketService) cancelReply(ctx context.Context, userID, message string) (string, error) {
	id := FindBookingID(message)
	if id == "" {
		bookings, err := s.ListBookings(ctx, userID)
		if err != nil {
			return "", err
		}
		var active []string
		for _, b := range bookings {
			if b.Status == domain.BookingConfirmed {
				active = append(active, formatBooking(b))
			}
		}
		if len(active) == 0 {
			return nothingToCancelReply, nil
		}
		return strings.Join(append(append([]string{"Your active bookings:", ""}, active...), "", askBookingIDReply), "\n"), nil
	}

	before, err := s.lookupOwned(ctx, userID, id)
	if err != nil {
		if CodeOf(err) == ErrorNotFound {
			return bookingNotFoundReply, nil
		}
		return "", err
	}
	if before.Status == domain.BookingCancelled {
		return fmt.Sprintf(alreadyCancelledReply, id), nil
	}
	if _, err := s.CancelBooking(ctx, userID, id); err != nil {
		if CodeOf(err) == ErrorNotFound {
			return bookingNotFoundReply, nil
		}
		return "", err
	}
	return fmt.Sprintf(cancelledReply, id), nil
}

func (s *TicketService) lookupOwned(ctx context.Context, userID, bookingID string) (domain.BookingRecord, error) {
	var rec domain.BookingRecord
	err := s.policy.do(ctx, true, func(ctx context.Context) error {
		var getErr error
		rec, getErr = s.bookings.GetBooking(ctx, bookingID)
		return getErr
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.BookingRecord{}, newError(ErrorNotFound, "booking_not_found", err)
	}
	if err != nil {
		return domain.BookingRecord{}, storageError("booking_read_error", err)
	}
	if rec.UserID != userID {
		return domain.BookingRecord{}, newError(ErrorNotFound, "booking_not_owned", nil)
	}
	return rec, nil
}

// FindBookingID returns the first booking id mentioned in text, lowercased.
func FindBookingID(text string) string {
	return strings.ToLower(bookingIDPattern.FindString(text))
}

func formatBooking(b domain.BookingRecord) string {
	return fmt.Sprintf("- %s: %s to %s on %s, %d seat(s), %s", b.BookingID, b.PickupPoint, b.DroppingPoint, b.Date, b.Seats, b.Status)
}
