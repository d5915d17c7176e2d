package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"busticket-agent/internal/dialogue"
	"busticket-agent/internal/domain"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeLLM answers by prompt kind: intent prompts, JSON extraction prompts
// and free-text answers.
type fakeLLM struct {
	mu          sync.Mutex
	intent      string
	intentErrs  []error
	extractions []string
	extractErrs []error
	answer      string
	answerErrs  []error
	prompts     []string
	calls       map[string]int
}

func (f *fakeLLM) Generate(_ context.Context, prompt string, jsonMode bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.prompts = append(f.prompts, prompt)
	switch {
	case strings.HasPrefix(prompt, "Classify"):
		f.calls["intent"]++
		if err := pop(&f.intentErrs); err != nil {
			return "", err
		}
		return f.intent, nil
	case jsonMode:
		f.calls["extract"]++
		if err := pop(&f.extractErrs); err != nil {
			return "", err
		}
		if len(f.extractions) == 0 {
			return "", fmt.Errorf("no extraction configured")
		}
		out := f.extractions[0]
		if len(f.extractions) > 1 {
			f.extractions = f.extractions[1:]
		}
		return out, nil
	default:
		f.calls["answer"]++
		if err := pop(&f.answerErrs); err != nil {
			return "", err
		}
		return f.answer, nil
	}
}

func (f *fakeLLM) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// pop removes and returns the first queued error, nil once the queue is empty.
func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// memStore is an in-memory ConversationStore and BookingStore.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]*domain.ConversationRecord
	bookings map[string]domain.BookingRecord

	getErrs    []error
	createErr  error
	upsertErrs []error
	appendErr  error
	unsetErr   error
	insertErr  error
	listErr    error
	cancelErr  error

	upserts int
	inserts int
	unsets  int
}

func newMemStore() *memStore {
	return &memStore{convs: map[string]*domain.ConversationRecord{}, bookings: map[string]domain.BookingRecord{}}
}

func (m *memStore) put(conv domain.ConversationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := conv
	m.convs[conv.ID] = &c
}

func (m *memStore) conv(id string) domain.ConversationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.ConversationRecord{}
	}
	return copyConv(*c)
}

func copyConv(c domain.ConversationRecord) domain.ConversationRecord {
	c.Turns = append([]domain.Turn(nil), c.Turns...)
	if c.Draft != nil {
		d := *c.Draft
		c.Draft = &d
	}
	if c.LastCommit != nil {
		lc := *c.LastCommit
		c.LastCommit = &lc
	}
	return c
}

func (m *memStore) GetConversation(_ context.Context, id string, limit int) (*domain.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.getErrs); err != nil {
		return nil, err
	}
	c, ok := m.convs[id]
	if !ok {
		return nil, nil
	}
	out := copyConv(*c)
	out.Turns = out.RecentTurns(limit)
	return &out, nil
}

func (m *memStore) CreateConversation(_ context.Context, conv domain.ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.convs[conv.ID]; ok {
		return domain.ErrConflict
	}
	c := copyConv(conv)
	m.convs[conv.ID] = &c
	return nil
}

func (m *memStore) UpsertDraft(_ context.Context, id string, draft domain.BookingDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.upsertErrs); err != nil {
		return err
	}
	m.upserts++
	c, ok := m.convs[id]
	if !ok {
		c = &domain.ConversationRecord{ID: id}
		m.convs[id] = c
	}
	c.Draft = &draft
	return nil
}

func (m *memStore) AppendTurn(_ context.Context, id, userID string, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	c, ok := m.convs[id]
	if !ok {
		c = &domain.ConversationRecord{ID: id, UserID: userID}
		m.convs[id] = c
	}
	c.Turns = append(c.Turns, turn)
	c.LastActivity = turn.Timestamp
	return nil
}

func (m *memStore) UnsetDraft(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsetErr != nil {
		return m.unsetErr
	}
	m.unsets++
	if c, ok := m.convs[id]; ok {
		c.Draft = nil
	}
	return nil
}

func (m *memStore) InsertBooking(_ context.Context, rec domain.BookingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.bookings[rec.BookingID]; ok {
		return domain.ErrConflict
	}
	m.inserts++
	m.bookings[rec.BookingID] = rec
	return nil
}

func (m *memStore) GetBooking(_ context.Context, id string) (domain.BookingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.bookings[id]
	if !ok {
		return domain.BookingRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) ListBookings(_ context.Context, userID string) ([]domain.BookingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.BookingRecord
	for _, b := range m.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookedAt.Before(out[j].BookedAt) })
	return out, nil
}

func (m *memStore) CancelBooking(_ context.Context, id string, at time.Time) (domain.BookingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return domain.BookingRecord{}, m.cancelErr
	}
	rec, ok := m.bookings[id]
	if !ok {
		return domain.BookingRecord{}, domain.ErrNotFound
	}
	if rec.Status != domain.BookingCancelled {
		rec.Status = domain.BookingCancelled
		rec.CancelledAt = &at
		m.bookings[id] = rec
	}
	return rec, nil
}

func (m *memStore) bookingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bookings)
}

// atomicStore adds the conditional commit of the real stores.
type atomicStore struct {
	*memStore
	commitErr error
	commits   int
}

func (a *atomicStore) CommitBooking(_ context.Context, rec domain.BookingRecord, marker domain.CommitMarker) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.commitErr != nil {
		return a.commitErr
	}
	if _, ok := a.bookings[rec.BookingID]; ok {
		return domain.ErrConflict
	}
	c, ok := a.convs[rec.ConversationID]
	if !ok || c.Draft == nil || !c.Draft.AwaitingConfirmation || c.Draft.Revision != marker.Revision {
		return domain.ErrConflict
	}
	a.commits++
	a.bookings[rec.BookingID] = rec
	c.Draft = nil
	m := marker
	c.LastCommit = &m
	return nil
}

type fakeCatalog struct {
	catalog domain.RouteCatalog
	err     error
	calls   int
}

func (f *fakeCatalog) RouteCatalog(context.Context) (domain.RouteCatalog, error) {
	f.calls++
	return f.catalog, f.err
}

type fakeLocker struct {
	mu       sync.Mutex
	err      error
	acquired []string
	released int
}

func (f *fakeLocker) Acquire(_ context.Context, key string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, key)
	return func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

type fakePublisher struct {
	published []domain.BookingRecord
	err       error
}

func (f *fakePublisher) PublishBookingConfirmed(_ context.Context, rec domain.BookingRecord) error {
	f.published = append(f.published, rec)
	return f.err
}

type fakeModerator struct {
	flagged bool
	err     error
}

func (f *fakeModerator) Moderate(context.Context, string) (bool, error) {
	return f.flagged, f.err
}

type fakeEmbedder struct {
	vector []float32
	err    error
	inputs []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.inputs = append(f.inputs, text)
	return f.vector, f.err
}

type fakeSearcher struct {
	chunks []domain.KnowledgeChunk
	err    error
	topK   int
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, topK int) ([]domain.KnowledgeChunk, error) {
	f.topK = topK
	return f.chunks, f.err
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type statusErr struct{ status int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.status) }
func (e statusErr) HTTPStatusCode() int { return e.status }

func newTestMachine(t *testing.T) *dialogue.Machine {
	t.Helper()
	n := 0
	m, err := dialogue.NewMachine(dialogue.DefaultConfig(),
		dialogue.WithIDGenerator(func() string { n++; return fmt.Sprintf("rev-%d", n) }),
		dialogue.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	return m
}

func newTestCommitter(t *testing.T, bookings BookingStore, convs ConversationStore, events EventPublisher) *Committer {
	t.Helper()
	c, err := NewCommitter(bookings, convs, events, zap.NewNop(), time.Second)
	require.NoError(t, err)
	c.now = func() time.Time { return testNow }
	return c
}

func newTestEngine(t *testing.T, llm TextGenerator, store *atomicStore) *BookingEngine {
	t.Helper()
	e, err := NewBookingEngine(newTestMachine(t), llm, store, newTestCommitter(t, store, store, nil), zap.NewNop(), time.Second, 0)
	require.NoError(t, err)
	e.now = func() time.Time { return testNow }
	return e
}

func readyDraft(revision string) *domain.BookingDraft {
	return &domain.BookingDraft{
		Revision:             revision,
		Name:                 "Alice",
		Phone:                "017xxxxxxx",
		PickupPoint:          "Dhaka",
		DroppingPoint:        "Sylhet",
		Date:                 "2025-03-10",
		Seats:                2,
		AwaitingConfirmation: true,
	}
}

const fullExtraction = `{"name":"Alice","phone":"017xxxxxxx","pickup_point":"Dhaka","dropping_point":"Sylhet","date":"2025-03-10","seats":2}`
