package dialogue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"busticket-agent/internal/domain"
)

// FieldSpec describes how one required slot is shown to the user.
type FieldSpec struct {
	Field  domain.Field
	Label  string
	Prompt string
}

// Config is the data that parameterizes the booking dialogue.
type Config struct {
	// Fields lists every required slot in the order replies enumerate them.
	Fields []FieldSpec
	// ConfirmKeywords are matched case-insensitively by containment.
	ConfirmKeywords []string
	// HistoryWindow bounds how many past turns are given to the extractor.
	HistoryWindow int
	// DuplicateWindow is how long after a commit a repeated confirming
	// message is answered with "nothing to confirm".
	DuplicateWindow time.Duration
}

func DefaultFields() []FieldSpec {
	return []FieldSpec{
		{Field: domain.FieldName, Label: "Name", Prompt: "your full name"},
		{Field: domain.FieldPhone, Label: "Phone", Prompt: "your phone number"},
		{Field: domain.FieldPickupPoint, Label: "Pickup Point", Prompt: "your pickup point"},
		{Field: domain.FieldDroppingPoint, Label: "Dropping Point", Prompt: "your dropping point"},
		{Field: domain.FieldDate, Label: "Date", Prompt: "your travel date"},
		{Field: domain.FieldSeats, Label: "Seats", Prompt: "number of seats you need"},
	}
}

func DefaultConfirmKeywords() []string {
	return []string{"yes", "confirm", "book", "proceed", "ok", "correct", "right", "sure", "definitely"}
}

func DefaultConfig() Config {
	return Config{
		Fields:          DefaultFields(),
		ConfirmKeywords: DefaultConfirmKeywords(),
		HistoryWindow:   15,
		DuplicateWindow: 2 * time.Minute,
	}
}

// validate checks that every known slot appears exactly once.
func (c Config) validate() error {
	required := map[domain.Field]bool{
		domain.FieldName:          false,
		domain.FieldPhone:         false,
		domain.FieldPickupPoint:   false,
		domain.FieldDroppingPoint: false,
		domain.FieldDate:          false,
		domain.FieldSeats:         false,
	}
	for _, spec := range c.Fields {
		seen, known := required[spec.Field]
		if !known {
			return fmt.Errorf("dialogue: unknown field %q", spec.Field)
		}
		if seen {
			return fmt.Errorf("dialogue: field %q listed twice", spec.Field)
		}
		if strings.TrimSpace(spec.Label) == "" || strings.TrimSpace(spec.Prompt) == "" {
			return fmt.Errorf("dialogue: field %q needs a label and a prompt", spec.Field)
		}
		required[spec.Field] = true
	}
	for f, seen := range required {
		if !seen {
			return fmt.Errorf("dialogue: field %q is not configured", f)
		}
	}
	if len(c.ConfirmKeywords) == 0 {
		return errors.New("dialogue: at least one confirmation keyword is required")
	}
	if c.HistoryWindow <= 0 {
		return errors.New("dialogue: history window must be positive")
	}
	return nil
}
