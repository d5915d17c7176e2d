package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"busticket-agent/internal/domain"
)

const (
	defaultMaxMessage    = 1000
	defaultRouterHistory = 6
	lockKeyPrefix        = "conv:"
	draftDiscardedReply  = "Okay, I've discarded the booking you were putting together."
)

type ChatInput struct {
	Message  string
	UserID   string
	ThreadID string
}

type ChatOutput struct {
	ThreadID string
	Response string
	Intent   domain.Intent
}

// ChatConfig holds the per-turn limits of ChatService.
type ChatConfig struct {
	MaxMessageLen int
	RouterHistory int
	HistoryWindow int
	CallTimeout   time.Duration
	RetryBackoff  time.Duration
}

type intentHandler func(ctx context.Context, conv domain.ConversationRecord, in ChatInput) (string, error)

// ChatService runs one chat turn: it serializes the conversation, routes the
// message and appends the completed turn.
type ChatService struct {
	convs     ConversationStore
	router    *IntentRouter
	engine    *BookingEngine
	info      *InfoService
	tickets   *TicketService
	locks     Locker
	moderator Moderator
	cfg       ChatConfig
	policy    callPolicy
	log       *zap.Logger
	now       func() time.Time
	handlers  map[domain.Intent]intentHandler
}

type ChatOption func(*ChatService)

// WithModeration rejects flagged messages before any other work is done.
func WithModeration(m Moderator) ChatOption {
	return func(s *ChatService) { s.moderator = m }
}

func NewChatService(convs ConversationStore, router *IntentRouter, engine *BookingEngine, info *InfoService, tickets *TicketService, locks Locker, log *zap.Logger, cfg ChatConfig, opts ...ChatOption) (*ChatService, error) {
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if router == nil {
		return nil, errors.New("usecase: intent router must not be nil")
	}
	if engine == nil {
		return nil, errors.New("usecase: booking engine must not be nil")
	}
	if info == nil {
		return nil, errors.New("usecase: info service must not be nil")
	}
	if tickets == nil {
		return nil, errors.New("usecase: ticket service must not be nil")
	}
	if locks == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessage
	}
	if cfg.RouterHistory <= 0 {
		cfg.RouterHistory = defaultRouterHistory
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = engine.machine.Config().HistoryWindow
	}
	s := &ChatService{
		convs:   convs,
		router:  router,
		engine:  engine,
		info:    info,
		tickets: tickets,
		locks:   locks,
		cfg:     cfg,
		policy:  newCallPolicy(cfg.CallTimeout, cfg.RetryBackoff),
		log:     log,
		now:     time.Now,
	}
	s.handlers = map[domain.Intent]intentHandler{
		domain.IntentAskInfo:      s.handleAskInfo,
		domain.IntentProviderInfo: s.handleProviderInfo,
		domain.IntentBookTicket:   s.handleBookTicket,
		domain.IntentViewTicket:   s.handleViewTicket,
		domain.IntentCancelTicket: s.handleCancelTicket,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Chat handles one user message. On failure the output still carries the
// thread id and an apology for the user. Dependency timeouts are reported
// only through that apology.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	in.Message = strings.TrimSpace(in.Message)
	in.UserID = strings.TrimSpace(in.UserID)
	in.ThreadID = strings.TrimSpace(in.ThreadID)
	if in.Message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(in.Message) > s.cfg.MaxMessageLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if in.UserID == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if in.ThreadID == "" {
		in.ThreadID = newUUID()
	}

	out, err := s.turn(ctx, in)
	out.ThreadID = in.ThreadID
	if err == nil {
		return out, nil
	}

	log := s.log.With(zap.String("conversation_id", in.ThreadID), zap.String("code", string(CodeOf(err))))
	out.Response = Apology(err)
	switch CodeOf(err) {
	case ErrorDependencyTimeout:
		log.Warn("chat turn timed out", zap.Error(err))
		return out, nil
	case ErrorInvalidInput, ErrorInvalidQuestion, ErrorForbidden:
		log.Info("chat turn rejected", zap.Error(err))
	default:
		log.Error("chat turn failed", zap.Error(err))
	}
	return out, err
}

func (s *ChatService) turn(ctx context.Context, in ChatInput) (ChatOutput, error) {
	if s.moderator != nil {
		var flagged bool
		err := s.policy.do(ctx, true, func(ctx context.Context) error {
			var modErr error
			flagged, modErr = s.moderator.Moderate(ctx, in.Message)
			return modErr
		})
		if err != nil {
			return ChatOutput{}, llmError("moderation_error", err)
		}
		if flagged {
			return ChatOutput{}, newError(ErrorInvalidQuestion, "moderation_flagged", nil)
		}
	}

	release, err := s.locks.Acquire(ctx, lockKeyPrefix+in.ThreadID)
	if err != nil {
		return ChatOutput{}, newError(ErrorDependencyTimeout, "conversation_lock_wait", err)
	}
	defer release()

	conv, err := s.load(ctx, in)
	if err != nil {
		return ChatOutput{}, err
	}

	intent := s.route(ctx, conv, in.Message)
	reply, err := s.handlers[intent](ctx, conv, in)
	if err != nil {
		return ChatOutput{Intent: intent}, err
	}

	t := domain.Turn{User: in.Message, Assistant: reply, Timestamp: s.now().UTC()}
	err = s.policy.do(ctx, false, func(ctx context.Context) error {
		return s.convs.AppendTurn(ctx, in.ThreadID, in.UserID, t)
	})
	if err != nil {
		return ChatOutput{Intent: intent}, storageError("turn_append_error", err)
	}
	s.log.Debug("chat turn completed", zap.String("conversation_id", in.ThreadID), zap.String("intent", string(intent)))
	return ChatOutput{Response: reply, Intent: intent}, nil
}

// load reads the conversation, creating it when it does not exist yet.
func (s *ChatService) load(ctx context.Context, in ChatInput) (domain.ConversationRecord, error) {
	var conv *domain.ConversationRecord
	err := s.policy.do(ctx, true, func(ctx context.Context) error {
		var getErr error
		conv, getErr = s.convs.GetConversation(ctx, in.ThreadID, s.cfg.HistoryWindow)
		return getErr
	})
	if err != nil {
		return domain.ConversationRecord{}, storageError("conversation_read_error", err)
	}
	if conv != nil {
		if conv.UserID != "" && conv.UserID != in.UserID {
			return domain.ConversationRecord{}, newError(ErrorForbidden, "thread_not_owned", nil)
		}
		return *conv, nil
	}

	now := s.now().UTC()
	created := domain.ConversationRecord{ID: in.ThreadID, UserID: in.UserID, CreatedAt: now, LastActivity: now}
	if err := s.create(ctx, created); err != nil {
		return domain.ConversationRecord{}, err
	}
	return created, nil
}

func (s *ChatService) route(ctx context.Context, conv domain.ConversationRecord, message string) domain.Intent {
	if s.engine.Sticky(conv, message) {
		return domain.IntentBookTicket
	}
	intent, err := s.router.Classify(ctx, message, conv.RecentTurns(s.cfg.RouterHistory))
	if err != nil {
		// Classification never fails the turn.
		s.log.Warn("intent classification failed",
			zap.String("conversation_id", conv.ID), zap.String("code", string(CodeOf(err))), zap.Error(err))
		return domain.IntentAskInfo
	}
	return intent
}

// CreateThread starts an empty conversation for userID.
func (s *ChatService) CreateThread(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	now := s.now().UTC()
	conv := domain.ConversationRecord{ID: newUUID(), UserID: userID, CreatedAt: now, LastActivity: now}
	if err := s.create(ctx, conv); err != nil {
		s.log.Error("thread creation failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		return "", err
	}
	return conv.ID, nil
}

func (s *ChatService) create(ctx context.Context, conv domain.ConversationRecord) error {
	err := s.policy.do(ctx, false, func(ctx context.Context) error {
		return s.convs.CreateConversation(ctx, conv)
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return storageError("conversation_create_error", err)
	}
	return nil
}

func (s *ChatService) handleAskInfo(ctx context.Context, conv domain.ConversationRecord, in ChatInput) (string, error) {
	return s.info.AskInfo(ctx, in.Message, conv.Turns)
}

func (s *ChatService) handleProviderInfo(ctx context.Context, _ domain.ConversationRecord, in ChatInput) (string, error) {
	return s.info.ProviderInfo(ctx, in.Message)
}

func (s *ChatService) handleBookTicket(ctx context.Context, conv domain.ConversationRecord, in ChatInput) (string, error) {
	out, err := s.engine.advance(ctx, conv, in.Message)
	if err != nil {
		return "", err
	}
	return out.Reply, nil
}

func (s *ChatService) handleViewTicket(ctx context.Context, _ domain.ConversationRecord, in ChatInput) (string, error) {
	return s.tickets.viewReply(ctx, in.UserID)
}

// handleCancelTicket cancels a committed booking named by id. Without an id
// it discards the draft in progress, if there is one.
func (s *ChatService) handleCancelTicket(ctx context.Context, conv domain.ConversationRecord, in ChatInput) (string, error) {
	if FindBookingID(in.Message) == "" && conv.Draft != nil {
		if _, err := s.engine.Abandon(ctx, conv); err != nil {
			return "", err
		}
		return draftDiscardedReply, nil
	}
	return s.tickets.cancelReply(ctx, in.UserID, in.Message)
}

var newUUID = func() string {
	return uuid.NewString()
}
