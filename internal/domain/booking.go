package domain

import (
	"strconv"
	"time"
)

// Field names one required booking slot. Values match the JSON keys the
// extractor is asked to return.
type Field string

const (
	FieldName          Field = "name"
	FieldPhone         Field = "phone"
	FieldPickupPoint   Field = "pickup_point"
	FieldDroppingPoint Field = "dropping_point"
	FieldDate          Field = "date"
	FieldSeats         Field = "seats"
)

// DateLayout is the only accepted travel date format.
const DateLayout = "2006-01-02"

// BookingDraft is the in-progress booking attached to a conversation. Empty
// strings and zero seats mean the slot is not filled yet. Revision changes
// every time a slot value changes.
type BookingDraft struct {
	Revision             string    `json:"revision" bson:"revision"`
	Name                 string    `json:"name,omitempty" bson:"name,omitempty"`
	Phone                string    `json:"phone,omitempty" bson:"phone,omitempty"`
	PickupPoint          string    `json:"pickup_point,omitempty" bson:"pickup_point,omitempty"`
	DroppingPoint        string    `json:"dropping_point,omitempty" bson:"dropping_point,omitempty"`
	Date                 string    `json:"date,omitempty" bson:"date,omitempty"`
	Seats                int       `json:"seats,omitempty" bson:"seats,omitempty"`
	AwaitingConfirmation bool      `json:"awaiting_confirmation" bson:"awaiting_confirmation"`
	UpdatedAt            time.Time `json:"updated_at" bson:"updated_at"`
}

// Value returns the slot value as text, or "" when unset.
func (d BookingDraft) Value(f Field) string {
	switch f {
	case FieldName:
		return d.Name
	case FieldPhone:
		return d.Phone
	case FieldPickupPoint:
		return d.PickupPoint
	case FieldDroppingPoint:
		return d.DroppingPoint
	case FieldDate:
		return d.Date
	case FieldSeats:
		if d.Seats <= 0 {
			return ""
		}
		return strconv.Itoa(d.Seats)
	}
	return ""
}

// IsSet reports whether the slot holds a value.
func (d BookingDraft) IsSet(f Field) bool {
	return d.Value(f) != ""
}

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// BookingRecord is a committed booking.
type BookingRecord struct {
	BookingID      string        `json:"booking_id" bson:"_id" validate:"required"`
	ConversationID string        `json:"thread_id" bson:"thread_id" validate:"required"`
	UserID         string        `json:"user_id" bson:"user_id"`
	Name           string        `json:"name" bson:"name" validate:"required"`
	Phone          string        `json:"phone" bson:"phone" validate:"required"`
	PickupPoint    string        `json:"pickup_point" bson:"pickup_point" validate:"required"`
	DroppingPoint  string        `json:"dropping_point" bson:"dropping_point" validate:"required"`
	Date           string        `json:"date" bson:"date" validate:"required,datetime=2006-01-02"`
	Seats          int           `json:"seats" bson:"seats" validate:"gt=0"`
	Status         BookingStatus `json:"status" bson:"status" validate:"oneof=confirmed cancelled"`
	BookedAt       time.Time     `json:"booked_at" bson:"booked_at" validate:"required"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
}
