package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"busticket-agent/internal/domain"
	"busticket-agent/internal/lock"
)

type chatFixture struct {
	svc    *ChatService
	store  *atomicStore
	llm    *fakeLLM
	locks  *fakeLocker
	engine *BookingEngine
}

func newChatFixture(t *testing.T, opts ...ChatOption) *chatFixture {
	t.Helper()
	store := &atomicStore{memStore: newMemStore()}
	llm := &fakeLLM{intent: "ask_info", answer: "Buses leave hourly."}
	engine := newTestEngine(t, llm, store)
	router, err := NewIntentRouter(llm, nil, time.Second, 0)
	require.NoError(t, err)
	info, err := NewInfoService(llm, &fakeCatalog{catalog: testCatalog()}, nil, time.Second, 0)
	require.NoError(t, err)
	tickets, err := NewTicketService(store, nil, time.Second, 0)
	require.NoError(t, err)
	locks := &fakeLocker{}

	svc, err := NewChatService(store, router, engine, info, tickets, locks, zap.NewNop(), ChatConfig{CallTimeout: time.Second}, opts...)
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return &chatFixture{svc: svc, store: store, llm: llm, locks: locks, engine: engine}
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	f := newChatFixture(t)
	s := f.svc
	_, err := NewChatService(nil, s.router, s.engine, s.info, s.tickets, s.locks, nil, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(s.convs, nil, s.engine, s.info, s.tickets, s.locks, nil, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(s.convs, s.router, nil, s.info, s.tickets, s.locks, nil, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(s.convs, s.router, s.engine, nil, s.tickets, s.locks, nil, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(s.convs, s.router, s.engine, s.info, nil, s.locks, nil, ChatConfig{})
	require.Error(t, err)
	_, err = NewChatService(s.convs, s.router, s.engine, s.info, s.tickets, nil, nil, ChatConfig{})
	require.Error(t, err)
}

func TestChat_InputValidation(t *testing.T) {
	f := newChatFixture(t)
	cases := map[string]ChatInput{
		"empty message": {Message: "  ", UserID: "u1"},
		"too long":      {Message: strings.Repeat("a", defaultMaxMessage+1), UserID: "u1"},
		"no user":       {Message: "hi"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Chat(context.Background(), in)
			require.Equal(t, ErrorInvalidInput, CodeOf(err))
		})
	}
}

func TestChat_NewThreadIsCreatedAndTurnAppended(t *testing.T) {
	origUUID := newUUID
	newUUID = func() string { return "thread-1" }
	t.Cleanup(func() { newUUID = origUUID })

	f := newChatFixture(t)
	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "Which buses go to Sylhet?", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "thread-1", out.ThreadID)
	require.Equal(t, "Buses leave hourly.", out.Response)
	require.Equal(t, domain.IntentAskInfo, out.Intent)

	conv := f.store.conv("thread-1")
	require.Equal(t, "u1", conv.UserID)
	require.Len(t, conv.Turns, 1)
	require.Equal(t, domain.Turn{User: "Which buses go to Sylhet?", Assistant: "Buses leave hourly.", Timestamp: testNow}, conv.Turns[0])
	require.Equal(t, []string{"conv:thread-1"}, f.locks.acquired)
	require.Equal(t, 1, f.locks.released)
}

func TestChat_FullBookingFlow(t *testing.T) {
	f := newChatFixture(t)
	f.llm.intent = "book_ticket"
	f.llm.extractions = []string{fullExtraction}
	ctx := context.Background()

	out, err := f.svc.Chat(ctx, ChatInput{Message: "Book Dhaka to Sylhet 2025-03-10, 2 seats, Alice 017xxxxxxx", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Contains(t, out.Response, "Please confirm your booking details")

	f.llm.intent = "ask_info"
	out, err = f.svc.Chat(ctx, ChatInput{Message: "Yes", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, domain.IntentBookTicket, out.Intent, "confirmation must skip classification")
	require.Contains(t, out.Response, "Booking confirmed!")
	require.Equal(t, 1, f.llm.count("intent"))

	out, err = f.svc.Chat(ctx, ChatInput{Message: "yes", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Contains(t, out.Response, "nothing left to confirm")
	require.Equal(t, 1, f.store.bookingCount())
	require.Equal(t, 1, f.llm.count("intent"))

	conv := f.store.conv("t1")
	require.Nil(t, conv.Draft)
	require.Len(t, conv.Turns, 3)
}

func TestChat_ConcurrentConfirmationsBookOnce(t *testing.T) {
	f := newChatFixture(t)
	svc, err := NewChatService(f.store, f.svc.router, f.engine, f.svc.info, f.svc.tickets,
		lock.NewLocal(5*time.Second), zap.NewNop(), ChatConfig{CallTimeout: time.Second})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	f.store.put(domain.ConversationRecord{ID: "t1", UserID: "u1", Draft: readyDraft("rev-a")})

	const senders = 8
	replies := make([]string, senders)
	errs := make([]error, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.Chat(context.Background(), ChatInput{Message: "yes", UserID: "u1", ThreadID: "t1"})
			replies[i], errs[i] = out.Response, err
		}(i)
	}
	wg.Wait()

	confirmed, nothingLeft := 0, 0
	for i := range replies {
		require.NoError(t, errs[i])
		switch {
		case strings.Contains(replies[i], "Booking confirmed!"):
			confirmed++
		case strings.Contains(replies[i], "nothing left to confirm"):
			nothingLeft++
		default:
			t.Fatalf("unexpected reply %q", replies[i])
		}
	}
	require.Equal(t, 1, confirmed)
	require.Equal(t, senders-1, nothingLeft)
	require.Equal(t, 1, f.store.bookingCount())
	require.Equal(t, 1, f.store.commits)
	require.Len(t, f.store.conv("t1").Turns, senders)
	require.Zero(t, f.llm.count("intent"))
}

func TestChat_ForeignThreadIsForbidden(t *testing.T) {
	f := newChatFixture(t)
	f.store.put(domain.ConversationRecord{ID: "t1", UserID: "owner"})

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "hi", UserID: "intruder", ThreadID: "t1"})
	require.Equal(t, ErrorForbidden, CodeOf(err))
	require.Equal(t, "t1", out.ThreadID)
	require.NotEmpty(t, out.Response)
	require.Empty(t, f.store.conv("t1").Turns)
}

func TestChat_UnknownIntentFallsBackToAskInfo(t *testing.T) {
	f := newChatFixture(t)
	f.llm.intent = "weather"

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "is it raining?", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, domain.IntentAskInfo, out.Intent)
	require.Equal(t, "Buses leave hourly.", out.Response)
}

func TestChat_DependencyTimeoutApologizesWithoutPersisting(t *testing.T) {
	f := newChatFixture(t)
	f.llm.intent = "book_ticket"
	f.llm.extractErrs = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	f.llm.extractions = []string{fullExtraction}

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "book", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, apologyTimeout, out.Response)
	require.Equal(t, "t1", out.ThreadID)

	conv := f.store.conv("t1")
	require.Nil(t, conv.Draft)
	require.Empty(t, conv.Turns)
}

func TestChat_LockWaitIsTimeout(t *testing.T) {
	f := newChatFixture(t)
	f.locks.err = context.DeadlineExceeded

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "hi", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, apologyTimeout, out.Response)
	require.Zero(t, f.llm.count("intent"))
}

func TestChat_StorageFailureSurfaces(t *testing.T) {
	f := newChatFixture(t)
	f.store.appendErr = errors.New("write failed")

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "hi", UserID: "u1", ThreadID: "t1"})
	require.Equal(t, ErrorStorageUnavailable, CodeOf(err))
	require.Equal(t, apologyStorage, out.Response)
}

func TestChat_Moderation(t *testing.T) {
	f := newChatFixture(t, WithModeration(&fakeModerator{flagged: true}))
	_, err := f.svc.Chat(context.Background(), ChatInput{Message: "bad words", UserID: "u1", ThreadID: "t1"})
	require.Equal(t, ErrorInvalidQuestion, CodeOf(err))
	require.Empty(t, f.locks.acquired)

	f = newChatFixture(t, WithModeration(&fakeModerator{err: statusErr{429}}))
	_, err = f.svc.Chat(context.Background(), ChatInput{Message: "hi", UserID: "u1", ThreadID: "t1"})
	require.Equal(t, ErrorRateLimited, CodeOf(err))
}

func TestChat_CancelWithoutIDAbandonsDraft(t *testing.T) {
	f := newChatFixture(t)
	f.llm.intent = "cancel_ticket"
	f.store.put(domain.ConversationRecord{ID: "t1", UserID: "u1", Draft: &domain.BookingDraft{Revision: "r", Name: "Bob"}})

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "never mind, cancel", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Equal(t, draftDiscardedReply, out.Response)
	require.Nil(t, f.store.conv("t1").Draft)
}

func TestChat_ViewTickets(t *testing.T) {
	f := newChatFixture(t)
	f.llm.intent = "view_ticket"
	f.store.bookings[bookingA] = domain.BookingRecord{BookingID: bookingA, UserID: "u1", Status: domain.BookingConfirmed}

	out, err := f.svc.Chat(context.Background(), ChatInput{Message: "show my tickets", UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Contains(t, out.Response, bookingA)
}

func TestCreateThread(t *testing.T) {
	origUUID := newUUID
	newUUID = func() string { return "thread-9" }
	t.Cleanup(func() { newUUID = origUUID })

	f := newChatFixture(t)
	id, err := f.svc.CreateThread(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "thread-9", id)
	conv := f.store.conv("thread-9")
	require.Equal(t, "u1", conv.UserID)
	require.Empty(t, conv.Turns)

	_, err = f.svc.CreateThread(context.Background(), "")
	require.Equal(t, ErrorInvalidInput, CodeOf(err))

	f.store.createErr = errors.New("down")
	_, err = f.svc.CreateThread(context.Background(), "u1")
	require.Equal(t, ErrorStorageUnavailable, CodeOf(err))
}
