package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"busticket-agent/internal/dialogue"
	"busticket-agent/internal/domain"
)

// AdvanceOutput is the result of one booking turn.
type AdvanceOutput struct {
	Reply   string
	Phase   dialogue.Phase
	Draft   *domain.BookingDraft
	Booking *domain.BookingRecord
	Missing []domain.Field
}

// BookingEngine drives the slot-filling dialogue for one conversation turn.
type BookingEngine struct {
	machine   *dialogue.Machine
	llm       TextGenerator
	convs     ConversationStore
	committer *Committer
	policy    callPolicy
	log       *zap.Logger
	now       func() time.Time
}

func NewBookingEngine(machine *dialogue.Machine, llm TextGenerator, convs ConversationStore, committer *Committer, log *zap.Logger, timeout, backoff time.Duration) (*BookingEngine, error) {
	if machine == nil {
		return nil, errors.New("usecase: dialogue machine must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: text generator must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if committer == nil {
		return nil, errors.New("usecase: committer must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BookingEngine{
		machine:   machine,
		llm:       llm,
		convs:     convs,
		committer: committer,
		policy:    newCallPolicy(timeout, backoff),
		log:       log,
		now:       time.Now,
	}, nil
}

// Advance loads the conversation and runs one booking turn. A missing
// conversation is treated as empty.
func (e *BookingEngine) Advance(ctx context.Context, conversationID, message string) (AdvanceOutput, error) {
	var conv *domain.ConversationRecord
	err := e.policy.do(ctx, true, func(ctx context.Context) error {
		var getErr error
		conv, getErr = e.convs.GetConversation(ctx, conversationID, e.machine.Config().HistoryWindow)
		return getErr
	})
	if err != nil {
		return AdvanceOutput{}, storageError("conversation_read_error", err)
	}
	if conv == nil {
		conv = &domain.ConversationRecord{ID: conversationID}
	}
	return e.advance(ctx, *conv, message)
}

// Sticky reports whether message must go to the booking flow without
// classification.
func (e *BookingEngine) Sticky(conv domain.ConversationRecord, message string) bool {
	return e.machine.Decide(dialogue.StateOf(conv), message) != dialogue.DecideExtract
}

// Abandon discards the draft in progress, if any. It reports whether a draft
// was removed.
func (e *BookingEngine) Abandon(ctx context.Context, conv domain.ConversationRecord) (bool, error) {
	if conv.Draft == nil {
		return false, nil
	}
	err := e.policy.do(ctx, true, func(ctx context.Context) error {
		return e.convs.UnsetDraft(ctx, conv.ID)
	})
	if err != nil {
		return false, storageError("draft_unset_error", err)
	}
	e.log.Info("booking draft abandoned", zap.String("conversation_id", conv.ID), zap.String("revision", conv.Draft.Revision))
	return true, nil
}

func (e *BookingEngine) advance(ctx context.Context, conv domain.ConversationRecord, message string) (AdvanceOutput, error) {
	state := dialogue.StateOf(conv)
	decision := e.machine.Decide(state, message)
	log := e.log.With(zap.String("conversation_id", conv.ID), zap.Stringer("decision", decision))

	switch decision {
	case dialogue.DecideCommit:
		return e.commit(ctx, conv, state, message, log)
	case dialogue.DecideNothingToConfirm:
		log.Info("repeated confirmation ignored")
		return output(e.machine.NothingToConfirm(state, ""), nil), nil
	}

	prompt := buildExtractionPrompt(e.machine.Config().Fields, conv.RecentTurns(e.machine.Config().HistoryWindow), message, state.Draft, e.now())
	var raw string
	err := e.policy.do(ctx, true, func(ctx context.Context) error {
		var genErr error
		raw, genErr = e.llm.Generate(ctx, prompt, true)
		return genErr
	})
	if err != nil {
		return AdvanceOutput{}, llmError("extraction_llm_error", err)
	}

	ext, err := dialogue.ParseExtraction(raw)
	if err != nil {
		log.Warn("extraction response unparseable",
			zap.String("code", string(ErrorExtractionParse)), zap.Error(err))
		return AdvanceOutput{Reply: dialogue.FallbackReply, Phase: state.Phase(), Draft: state.Draft}, nil
	}
	for f, v := range ext.Rejected {
		log.Info("extracted value rejected", zap.String("field", string(f)), zap.String("value", v))
	}

	t := e.machine.Apply(state, ext)
	err = e.policy.do(ctx, true, func(ctx context.Context) error {
		return e.convs.UpsertDraft(ctx, conv.ID, *t.Next.Draft)
	})
	if err != nil {
		return AdvanceOutput{}, storageError("draft_write_error", err)
	}
	log.Debug("draft updated",
		zap.String("phase", string(t.Phase)), zap.Int("missing", len(t.Missing)), zap.String("revision", t.Next.Draft.Revision))
	return output(t, nil), nil
}

func (e *BookingEngine) commit(ctx context.Context, conv domain.ConversationRecord, state dialogue.State, message string, log *zap.Logger) (AdvanceOutput, error) {
	res, err := e.committer.Commit(ctx, conv, message)
	if err != nil {
		return AdvanceOutput{}, err
	}
	switch res.Status {
	case CommitCreated:
		rec := res.Booking
		return output(e.machine.Committed(state, rec, message), &rec), nil
	case CommitAlreadyDone:
		// The draft outlived its booking; drop it so the next turn starts clean.
		if err := e.convs.UnsetDraft(ctx, conv.ID); err != nil {
			log.Warn("stale draft unset failed", zap.Error(err))
		}
		rec := res.Booking
		t := e.machine.NothingToConfirm(dialogue.State{}, rec.BookingID)
		t.Phase = dialogue.PhaseCommitted
		return output(t, &rec), nil
	default:
		return output(e.machine.NothingToConfirm(dialogue.State{LastCommit: state.LastCommit}, ""), nil), nil
	}
}

func output(t dialogue.Transition, rec *domain.BookingRecord) AdvanceOutput {
	return AdvanceOutput{Reply: t.Reply, Phase: t.Phase, Draft: t.Next.Draft, Booking: rec, Missing: t.Missing}
}
