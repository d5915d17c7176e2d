package dialogue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"busticket-agent/internal/domain"
)

// ErrExtractionParse marks an extractor response that is not a JSON object
// even after code fences are removed.
var ErrExtractionParse = errors.New("dialogue: unparseable extraction")

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Extraction is the validated result of one extractor call. Values only
// carries slots that passed validation; Rejected keeps the raw text of slots
// that were present but invalid.
type Extraction struct {
	Values   domain.BookingDraft
	Rejected map[domain.Field]string
}

// ParseExtraction decodes the extractor response into validated slot values.
func ParseExtraction(raw string) (Extraction, error) {
	body := stripCodeFence(raw)
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrExtractionParse, err)
	}
	if obj == nil {
		return Extraction{}, fmt.Errorf("%w: null document", ErrExtractionParse)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Extraction{}, fmt.Errorf("%w: trailing data", ErrExtractionParse)
	}

	ext := Extraction{Rejected: map[domain.Field]string{}}
	for _, f := range []domain.Field{domain.FieldName, domain.FieldPhone, domain.FieldPickupPoint, domain.FieldDroppingPoint} {
		raw := obj[string(f)]
		v, ok := textValue(raw)
		if !ok {
			if isStructured(raw) {
				ext.Rejected[f] = string(raw)
			}
			continue
		}
		setText(&ext.Values, f, v)
	}

	if v, ok := textValue(obj[string(domain.FieldDate)]); ok {
		if validDate(v) {
			ext.Values.Date = v
		} else {
			ext.Rejected[domain.FieldDate] = v
		}
	} else if raw := obj[string(domain.FieldDate)]; isStructured(raw) {
		ext.Rejected[domain.FieldDate] = string(raw)
	}

	seatsRaw := obj[string(domain.FieldSeats)]
	if v, ok := textValue(seatsRaw); ok {
		if n, valid := seatsValue(seatsRaw); valid {
			ext.Values.Seats = n
		} else {
			ext.Rejected[domain.FieldSeats] = v
		}
	} else if isStructured(seatsRaw) {
		ext.Rejected[domain.FieldSeats] = string(seatsRaw)
	}
	return ext, nil
}

// stripCodeFence removes a surrounding ```json ... ``` or ``` ... ``` block.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

var nullWords = map[string]bool{"null": true, "none": true, "n/a": true, "na": true, "unknown": true, "nil": true}

func isNullLiteral(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// isStructured reports a value that is neither null, a string nor a number.
func isStructured(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || isNullLiteral(t) {
		return false
	}
	switch t[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return false
	}
	return true
}

// textValue reads a string or number slot. Null, blank and placeholder words
// report false.
func textValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || isNullLiteral(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		s = n.String()
	}
	s = strings.TrimSpace(s)
	if s == "" || nullWords[strings.ToLower(s)] {
		return "", false
	}
	return s, true
}

func seatsValue(raw json.RawMessage) (int, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return positiveInt(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	return positiveInt(strings.TrimSpace(s))
}

// maxSeats bounds seat counts on every parse path.
const maxSeats = math.MaxInt32

func positiveInt(s string) (int, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 || n > maxSeats {
			return 0, false
		}
		return int(n), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f <= 0 || f > maxSeats {
		return 0, false
	}
	return int(f), true
}

func validDate(s string) bool {
	if !datePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(domain.DateLayout, s)
	return err == nil
}

func setText(d *domain.BookingDraft, f domain.Field, v string) {
	switch f {
	case domain.FieldName:
		d.Name = v
	case domain.FieldPhone:
		d.Phone = v
	case domain.FieldPickupPoint:
		d.PickupPoint = v
	case domain.FieldDroppingPoint:
		d.DroppingPoint = v
	case domain.FieldDate:
		d.Date = v
	}
}
