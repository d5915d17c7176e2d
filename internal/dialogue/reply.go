package dialogue

import (
	"fmt"
	"strings"

	"busticket-agent/internal/domain"
)

// FallbackReply is sent when the extractor response cannot be parsed.
const FallbackReply = "I had trouble understanding, please rephrase."

func (m *Machine) collectingReply(d domain.BookingDraft, missing []domain.Field) string {
	var collected []string
	for _, spec := range m.cfg.Fields {
		if v := d.Value(spec.Field); v != "" {
			collected = append(collected, fmt.Sprintf("✓ %s: %s", spec.Label, v))
		}
	}
	if len(collected) == 0 {
		collected = []string{"None yet"}
	}

	need := make([]string, 0, len(missing))
	for _, f := range missing {
		need = append(need, "✗ "+capitalize(m.spec(f).Prompt))
	}

	return strings.Join([]string{
		"I'm collecting your booking information.",
		"",
		"Information collected so far:",
		strings.Join(collected, "\n"),
		"",
		"I still need:",
		strings.Join(need, "\n"),
		"",
		"Please provide the missing information.",
	}, "\n")
}

func (m *Machine) confirmationReply(d domain.BookingDraft) string {
	lines := []string{"Please confirm your booking details:", ""}
	for _, spec := range m.cfg.Fields {
		lines = append(lines, fmt.Sprintf("%s: %s", spec.Label, d.Value(spec.Field)))
	}
	lines = append(lines, "", "Is this information correct? Type 'yes' to confirm or provide corrections.")
	return strings.Join(lines, "\n")
}

func (m *Machine) confirmedReply(rec domain.BookingRecord) string {
	return strings.Join([]string{
		"Booking confirmed!",
		"",
		"Booking ID: " + rec.BookingID,
		"Name: " + rec.Name,
		"Phone: " + rec.Phone,
		"From: " + rec.PickupPoint,
		"To: " + rec.DroppingPoint,
		"Date: " + rec.Date,
		fmt.Sprintf("Seats: %d", rec.Seats),
		"",
		"Your ticket has been successfully booked.",
	}, "\n")
}

func nothingToConfirmReply(bookingID string) string {
	if bookingID == "" {
		return "There is no booking waiting for confirmation. Tell me your trip details to start a new one."
	}
	return fmt.Sprintf("There is nothing left to confirm. Your booking %s is already confirmed.", bookingID)
}

func (m *Machine) spec(f domain.Field) FieldSpec {
	for _, s := range m.cfg.Fields {
		if s.Field == f {
			return s
		}
	}
	return FieldSpec{Field: f, Label: string(f), Prompt: string(f)}
}

// Label returns the display label configured for f.
func (m *Machine) Label(f domain.Field) string {
	return m.spec(f).Label
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
