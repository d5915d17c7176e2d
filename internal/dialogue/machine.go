package dialogue

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"busticket-agent/internal/domain"
)

// Phase is the dialogue state of a conversation's booking.
type Phase string

const (
	PhaseCollecting           Phase = "collecting"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseCommitted            Phase = "committed"
)

// State is the booking-relevant snapshot of a conversation for one turn.
// Transitions never modify a State in place.
type State struct {
	Draft      *domain.BookingDraft
	LastCommit *domain.CommitMarker
}

// StateOf extracts the dialogue state from a stored conversation.
func StateOf(conv domain.ConversationRecord) State {
	s := State{LastCommit: conv.LastCommit}
	if conv.Draft != nil {
		d := *conv.Draft
		s.Draft = &d
	}
	return s
}

func (s State) Phase() Phase {
	switch {
	case s.Draft != nil && s.Draft.AwaitingConfirmation:
		return PhaseAwaitingConfirmation
	case s.Draft == nil && s.LastCommit != nil:
		return PhaseCommitted
	default:
		return PhaseCollecting
	}
}

// Decision is what the engine must do with an incoming message.
type Decision int

const (
	DecideExtract Decision = iota
	DecideCommit
	DecideNothingToConfirm
)

func (d Decision) String() string {
	switch d {
	case DecideCommit:
		return "commit"
	case DecideNothingToConfirm:
		return "nothing_to_confirm"
	default:
		return "extract"
	}
}

// Transition is the output of applying one input to a State.
type Transition struct {
	Next    State
	Phase   Phase
	Missing []domain.Field
	Reply   string
}

type Machine struct {
	cfg      Config
	keywords []string
	newID    func() string
	now      func() time.Time
}

type Option func(*Machine)

func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(m *Machine) { m.now = fn }
}

func NewMachine(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:   cfg,
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, kw := range cfg.ConfirmKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			m.keywords = append(m.keywords, kw)
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Machine) Config() Config { return m.cfg }

// IsConfirmation reports whether message contains any confirmation keyword.
func (m *Machine) IsConfirmation(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range m.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsDuplicateConfirmation reports whether message repeats the confirmation
// that committed the last booking, with no draft started since.
func (m *Machine) IsDuplicateConfirmation(s State, message string) bool {
	if s.Draft != nil || s.LastCommit == nil {
		return false
	}
	if normalize(message) != normalize(s.LastCommit.Message) || !m.IsConfirmation(message) {
		return false
	}
	return m.now().Sub(s.LastCommit.At) <= m.cfg.DuplicateWindow
}

func (m *Machine) Decide(s State, message string) Decision {
	if s.Phase() == PhaseAwaitingConfirmation && m.IsConfirmation(message) {
		return DecideCommit
	}
	if m.IsDuplicateConfirmation(s, message) {
		return DecideNothingToConfirm
	}
	return DecideExtract
}

// Merge overwrites slots of d with every value present in ext. Absent values
// never clear a slot.
func Merge(d domain.BookingDraft, ext Extraction) domain.BookingDraft {
	v := ext.Values
	if v.Name != "" {
		d.Name = v.Name
	}
	if v.Phone != "" {
		d.Phone = v.Phone
	}
	if v.PickupPoint != "" {
		d.PickupPoint = v.PickupPoint
	}
	if v.DroppingPoint != "" {
		d.DroppingPoint = v.DroppingPoint
	}
	if v.Date != "" {
		d.Date = v.Date
	}
	if v.Seats > 0 {
		d.Seats = v.Seats
	}
	return d
}

// Missing lists unset slots in configured order.
func (m *Machine) Missing(d domain.BookingDraft) []domain.Field {
	var missing []domain.Field
	for _, spec := range m.cfg.Fields {
		if !d.IsSet(spec.Field) {
			missing = append(missing, spec.Field)
		}
	}
	return missing
}

// Apply merges an extraction into the state's draft, creating the draft if
// needed, and produces the next prompt.
func (m *Machine) Apply(s State, ext Extraction) Transition {
	var draft domain.BookingDraft
	if s.Draft != nil {
		draft = *s.Draft
	}
	merged := Merge(draft, ext)
	if merged.Revision == "" || !sameSlots(draft, merged) {
		merged.Revision = m.newID()
	}
	merged.UpdatedAt = m.now().UTC()

	missing := m.Missing(merged)
	merged.AwaitingConfirmation = len(missing) == 0
	next := State{Draft: &merged, LastCommit: s.LastCommit}

	if len(missing) > 0 {
		return Transition{Next: next, Phase: PhaseCollecting, Missing: missing, Reply: m.collectingReply(merged, missing)}
	}
	return Transition{Next: next, Phase: PhaseAwaitingConfirmation, Reply: m.confirmationReply(merged)}
}

// Committed clears the draft after rec was persisted from it.
func (m *Machine) Committed(s State, rec domain.BookingRecord, message string) Transition {
	revision := ""
	if s.Draft != nil {
		revision = s.Draft.Revision
	}
	marker := &domain.CommitMarker{
		BookingID: rec.BookingID,
		Revision:  revision,
		Message:   message,
		At:        rec.BookedAt,
	}
	return Transition{Next: State{LastCommit: marker}, Phase: PhaseCommitted, Reply: m.confirmedReply(rec)}
}

// NothingToConfirm answers a confirmation that has no pending draft behind it.
func (m *Machine) NothingToConfirm(s State, bookingID string) Transition {
	if bookingID == "" && s.LastCommit != nil {
		bookingID = s.LastCommit.BookingID
	}
	return Transition{Next: s, Phase: s.Phase(), Reply: nothingToConfirmReply(bookingID)}
}

func sameSlots(a, b domain.BookingDraft) bool {
	return a.Name == b.Name && a.Phone == b.Phone && a.PickupPoint == b.PickupPoint &&
		a.DroppingPoint == b.DroppingPoint && a.Date == b.Date && a.Seats == b.Seats
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
