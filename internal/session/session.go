package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xonecas/agentcore/internal/compaction"
	"github.com/xonecas/agentcore/internal/config"
	"github.com/xonecas/agentcore/internal/history"
	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/provider"
	"github.com/xonecas/agentcore/internal/review"
	"github.com/xonecas/agentcore/internal/rollout"
	"github.com/xonecas/agentcore/internal/stream"
	"github.com/xonecas/agentcore/internal/subagent"
	"github.com/xonecas/agentcore/internal/turncontext"
)

// ErrTurnInProgress is returned by Submit(UserInput) when a turn is already
// running; the shell must Submit(Interrupt) first.
var ErrTurnInProgress = errors.New("session: a turn is already in progress")

// Session is the façade the outer shell drives: it owns the live history,
// the rollout log, the turn context, the subagent supervisor, and mediates
// compaction and branch review, exposing one Submit entry point and one
// event stream.
type Session struct {
	history *history.Store
	rollout *rollout.Writer
	turnCtx turncontext.TurnContext
	prov    provider.Provider

	compactionCfg     config.CompactionConfig
	reviewLimits      review.ChunkLimits
	initialContextLen int

	events chan Event

	supervisor *subagent.Supervisor

	mu          sync.Mutex
	running     bool
	cancelTurn  context.CancelFunc
	subagentIDs []string
}

// New constructs a Session backed by a fresh rollout file at rolloutPath.
// initialContext items (typically base/user instructions rendered as
// content-tagged messages) are recorded before any turn and are preserved
// verbatim across every compaction boundary.
func New(cfg *config.Config, prov provider.Provider, turnCtx turncontext.TurnContext, rolloutPath string, initialContext []item.ResponseItem) (*Session, error) {
	w, err := rollout.Create(rolloutPath)
	if err != nil {
		return nil, err
	}
	if err := w.WriteTurnContext(turnCtx); err != nil {
		w.Close()
		return nil, err
	}

	s := newSession(cfg, prov, turnCtx, w, history.New(), len(initialContext))
	if len(initialContext) > 0 {
		s.history.Record(initialContext...)
		if err := w.WriteResponseItems(initialContext); err != nil {
			w.Close()
			return nil, err
		}
	}
	return s, nil
}

// Resume reconstructs a Session from an existing rollout file, replaying its
// records per the §4.3 replay rule, and reopens the file for further
// appends.
func Resume(cfg *config.Config, prov provider.Provider, turnCtx turncontext.TurnContext, rolloutPath string, initialContextLen int) (*Session, error) {
	records, err := rollout.ReadAll(rolloutPath)
	if err != nil {
		return nil, err
	}
	replayed := rollout.ReconstructHistoryFromRollout(records, initialContextLen)

	w, err := rollout.OpenAppend(rolloutPath)
	if err != nil {
		return nil, err
	}

	s := newSession(cfg, prov, turnCtx, w, history.New(replayed...), initialContextLen)
	return s, nil
}

func newSession(cfg *config.Config, prov provider.Provider, turnCtx turncontext.TurnContext, w *rollout.Writer, h *history.Store, initialContextLen int) *Session {
	s := &Session{
		history:           h,
		rollout:           w,
		turnCtx:           turnCtx,
		prov:              prov,
		compactionCfg:     cfg.Compaction,
		initialContextLen: initialContextLen,
		events:            make(chan Event, 64),
	}
	reviewCfg := cfg.Review.Defaults()
	s.reviewLimits = review.ChunkLimits{
		SmallFilesCap:           reviewCfg.SmallFilesCap,
		LargeFilesCap:           reviewCfg.LargeFilesCap,
		LargeFileThresholdLines: reviewCfg.LargeFileThresholdLines,
		MaxLines:                reviewCfg.MaxLines,
	}
	s.supervisor = subagent.New(
		cfg.Subagent.MaxDepthOrDefault(),
		cfg.Subagent.MaxConcurrentOrDefault(),
		newChildConversationFactory(prov),
		turnCtx,
	)
	return s
}

// Events returns the session's event stream. The shell must keep draining
// it: emit drops an event rather than block when the channel's buffer is
// full. The channel is never closed, not even by Shutdown.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
		// Never block a turn on a slow shell; drop rather than stall.
	}
}

// Submit dispatches one shell-driven operation per spec §6.
func (s *Session) Submit(ctx context.Context, op Op) error {
	switch op.Kind {
	case OpUserInput:
		return s.submitUserInput(ctx, op.Text, op.Images)
	case OpInterrupt:
		return s.submitInterrupt()
	case OpShutdown:
		return s.submitShutdown(ctx)
	case OpReview:
		return s.submitReview(ctx, op.ReviewBase, op.ReviewHint)
	case OpSubagentMessage:
		return s.submitSubagentMessage(ctx, op.SubagentID, op.Text, op.Images)
	default:
		return fmt.Errorf("session: unknown op kind %v", op.Kind)
	}
}

// OpenSubagent admits a new child conversation. It is not one of the
// Submit-dispatched operations in spec §6 (the shell drives it directly,
// the same way it reads subagent_id back from the result to route later
// SubagentDirectMessage submits).
func (s *Session) OpenSubagent(ctx context.Context, args subagent.OpenArgs) (subagent.OpenResult, error) {
	res, err := s.supervisor.Open(ctx, args)
	if err != nil {
		return subagent.OpenResult{}, err
	}
	s.mu.Lock()
	s.subagentIDs = append(s.subagentIDs, res.SubagentID)
	s.mu.Unlock()
	s.emit(Event{Kind: EventBackground, Message: fmt.Sprintf("Subagent %q opened (%s).", res.Description, res.SubagentID)})
	return res, nil
}

// ReadMailbox exposes the subagent mailbox for the shell to poll.
func (s *Session) ReadMailbox(args subagent.ListArgs) []subagent.MailItem {
	return s.supervisor.ListMail(args)
}

// ReadMail reads one mailbox entry by id.
func (s *Session) ReadMail(mailID string, peek bool) (subagent.MailItem, error) {
	return s.supervisor.ReadMail(mailID, peek)
}

func (s *Session) buildUserItems(text string, images []string) []item.ResponseItem {
	items := []item.ResponseItem{item.NewUserMessage(text)}
	for _, img := range images {
		items = append(items, item.ResponseItem{
			Kind:    item.KindMessage,
			Role:    item.RoleUser,
			Content: []item.ContentPart{{InputImage: img}},
		})
	}
	return items
}

func (s *Session) submitUserInput(ctx context.Context, text string, images []string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelTurn = cancel
	s.mu.Unlock()

	if err := s.rollout.WriteTurnContext(s.turnCtx); err != nil {
		s.mu.Lock()
		s.running = false
		s.cancelTurn = nil
		s.mu.Unlock()
		cancel()
		return err
	}

	items := s.buildUserItems(text, images)
	s.history.Record(items...)
	if err := s.rollout.WriteResponseItems(items); err != nil {
		s.mu.Lock()
		s.running = false
		s.cancelTurn = nil
		s.mu.Unlock()
		cancel()
		return err
	}

	go s.runTurn(turnCtx, cancel)
	return nil
}

func (s *Session) runTurn(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	s.emit(Event{Kind: EventTaskStarted})

	messages := providerMessages(s.history.Snapshot())
	open := openModelStream(s.prov, messages, func(evt provider.StreamEvent) {
		switch evt.Type {
		case provider.EventContentDelta, provider.EventReasoningDelta:
			s.emit(Event{Kind: EventAgentMessageDelta, Delta: evt.Content})
		}
	})

	usage, err := stream.RetryWithBackoff(ctx, defaultStreamRetryAttempts, open, recorderFunc(func(items ...item.ResponseItem) {
		s.history.Record(items...)
		_ = s.rollout.WriteResponseItems(items)
		for _, it := range items {
			if it.Kind == item.KindMessage && it.Role == item.RoleAssistant {
				s.emit(Event{Kind: EventAgentMessage, Message: it.Text()})
			}
		}
	}))

	switch {
	case errors.Is(err, stream.ErrInterrupted):
		s.emit(Event{Kind: EventTurnAborted, Reason: "interrupted"})
		return
	case err != nil:
		s.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
		return
	}

	s.emit(Event{Kind: EventTokenCount, InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})
	s.emit(Event{Kind: EventTaskComplete, Message: lastAssistantText(s.history.Snapshot())})

	s.maybeCompact(ctx)
}

func (s *Session) submitInterrupt() error {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Session) submitShutdown(ctx context.Context) error {
	_ = s.submitInterrupt()

	s.mu.Lock()
	ids := append([]string(nil), s.subagentIDs...)
	s.mu.Unlock()

	for _, id := range ids {
		if _, _, err := s.supervisor.End(ctx, id, true, ""); err != nil && !errors.Is(err, subagent.ErrSubagentNotFound) {
			s.emit(Event{Kind: EventBackground, Message: fmt.Sprintf("subagent %s shutdown: %v", id, err)})
		}
	}

	if err := s.rollout.Close(); err != nil {
		return err
	}
	return s.prov.Close()
}

func (s *Session) submitSubagentMessage(ctx context.Context, subagentID, message string, images []string) error {
	s.supervisor.ReplyAsync(ctx, subagentID, message, images, nil, func(res subagent.ReplyResult, err error) {
		if err != nil {
			s.emit(Event{Kind: EventBackground, Message: fmt.Sprintf("Subagent %s reply failed: %v", subagentID, err)})
			return
		}
		s.emit(Event{Kind: EventBackground, Message: fmt.Sprintf("Subagent %s replied: %s", subagentID, res.Reply)})
	})
	return nil
}

// turnSummarizer adapts the session's provider into a compaction.Summarizer.
type turnSummarizer struct {
	prov provider.Provider
}

func (t *turnSummarizer) Summarize(ctx context.Context, turnInput []item.ResponseItem) (string, error) {
	return collectText(ctx, t.prov, providerMessages(turnInput))
}

func (s *Session) maybeCompact(ctx context.Context) {
	snapshot := s.history.Snapshot()
	if estimateTokens(snapshot) < s.compactionCfg.TokenThresholdOrDefault() {
		return
	}

	summarizer := &turnSummarizer{prov: s.prov}

	if err := s.rollout.WriteTurnContext(s.turnCtx); err != nil {
		s.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
		return
	}

	if s.compactionCfg.Staged {
		result, err := compaction.StagedCompact(ctx, snapshot, s.initialContextLen, summarizer)
		if err != nil {
			s.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
			return
		}
		if result.BackgroundMsg != "" {
			s.emit(Event{Kind: EventBackground, Message: result.BackgroundMsg})
		}
		if result.Outcome == compaction.StagedCompleted {
			s.history.Replace(result.NewHistory)
			if err := s.rollout.WriteCompacted(result.SummaryPayload); err != nil {
				s.history.Replace(snapshot)
				s.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
				return
			}
			_ = s.rollout.WriteResponseItems(result.Suffix)
		}
		return
	}

	result, err := compaction.InlineCompact(ctx, snapshot, s.initialContextLen, summarizer)
	if err != nil {
		s.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
		return
	}
	s.history.Replace(result.NewHistory)
	if err := s.rollout.WriteCompacted(result.SummaryText); err != nil {
		s.history.Replace(snapshot)
		s.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
		return
	}
	s.emit(Event{Kind: EventBackground, Message: "Inline compaction completed."})
}

// reviewRunner adapts the session's provider into a review.Runner: one
// turn per batch/consolidation prompt, drained to a single string without
// forwarding deltas as events, then parsed as JSON matching
// review.Output's field names.
type reviewRunner struct {
	prov provider.Provider
}

func (r *reviewRunner) RunReview(ctx context.Context, prompt string) (review.Output, error) {
	text, err := collectText(ctx, r.prov, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return review.Output{}, err
	}
	return parseReviewOutput(text), nil
}

// parseReviewOutput extracts the JSON object embedded in a review turn's
// response (models routinely wrap JSON in prose or code fences); on any
// parse failure the raw text becomes the output's Summary so no finding is
// silently discarded.
func parseReviewOutput(text string) review.Output {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return review.Output{Summary: text}
	}
	var out review.Output
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return review.Output{Summary: text}
	}
	return out
}

func (s *Session) submitReview(ctx context.Context, base, hint string) error {
	s.emit(Event{Kind: EventEnteredReviewMode})

	orch, err := review.NewOrchestrator(ctx, base, hint, s.reviewLimits)
	if err != nil {
		s.emit(Event{Kind: EventStreamError, Message: err.Error()})
		s.emit(Event{Kind: EventExitedReviewMode})
		return err
	}

	out, err := orch.Run(ctx, &reviewRunner{prov: s.prov}, func(line string) {
		s.emit(Event{Kind: EventBackground, Message: line})
	})
	if err != nil {
		s.emit(Event{Kind: EventStreamError, Message: err.Error()})
		s.emit(Event{Kind: EventExitedReviewMode})
		return err
	}

	summary := out.Summary
	if summary == "" {
		summary = fmt.Sprintf("Review complete: %d finding(s).", len(out.Findings))
	}
	reviewItem := item.NewAssistantMessage(summary)
	s.history.Record(reviewItem)
	_ = s.rollout.WriteResponseItem(reviewItem)

	s.emit(Event{Kind: EventAgentMessage, Message: summary})
	s.emit(Event{Kind: EventExitedReviewMode})
	return nil
}
