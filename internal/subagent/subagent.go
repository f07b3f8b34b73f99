// Package subagent implements the subagent supervisor: bounded-concurrency
// spawning of child conversations, per-child idle timeouts, mailbox
// delivery of asynchronous replies, and graceful shutdown with rollout
// persistence.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/turncontext"
)

const (
	// DefaultMaxDepth is the default nesting depth allowed for subagents.
	// Children never expose the subagent tool set, so depth > 1 is
	// unreachable regardless of this value.
	DefaultMaxDepth = 1

	// DefaultMaxConcurrent is the default number of subagents permitted to
	// run at once.
	DefaultMaxConcurrent = 2

	// MailSubjectMaxLen bounds a mailbox subject derived from a goal string.
	MailSubjectMaxLen = 80

	// shutdownDrainTimeout bounds the best-effort graceful drain on End.
	shutdownDrainTimeout = 2 * time.Second
)

// Sentinel errors.
var (
	ErrSubagentNotFound  = errors.New("unknown subagent_id")
	ErrSubagentRunning   = errors.New("subagent is already running")
	ErrDepthLimit        = errors.New("subagent depth limit reached")
	ErrConcurrencyLimit  = errors.New("maximum concurrent subagents reached")
	ErrSchedulerClosed   = errors.New("subagent scheduler unavailable")
	ErrTurnLimitReached  = errors.New("subagent turn limit reached")
	ErrUnknownMailID     = errors.New("unknown mail_id")
	ErrInvalidMaxTurns   = errors.New("max_turns must be greater than zero")
	ErrInvalidMaxRuntime = errors.New("max_runtime_ms must be greater than zero")
)

// SandboxMode is the caller-requested sandbox mode for a new subagent.
type SandboxMode string

const (
	SandboxModeReadOnly         SandboxMode = "read-only"
	SandboxModeWorkspaceWrite   SandboxMode = "workspace-write"
	SandboxModeDangerFullAccess SandboxMode = "danger-full-access"
)

// Usage mirrors the token usage a child conversation reports.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChildEventKind discriminates one event from a child conversation's event
// stream.
type ChildEventKind int

const (
	ChildEventAgentMessageDelta ChildEventKind = iota
	ChildEventAgentMessage
	ChildEventTokenCount
	ChildEventTaskComplete
	ChildEventError
	ChildEventOther
)

// ChildEvent is one element of a child conversation's event stream.
type ChildEvent struct {
	Kind             ChildEventKind
	Delta            string
	Message          string
	Usage            *Usage
	LastAgentMessage string
	Err              error
}

// ChildConversation is the supervisor's view of a spawned child session: the
// collaborator that actually runs model turns. Its wire protocol and
// execution live outside this package.
type ChildConversation interface {
	SubmitUserInput(ctx context.Context, items []item.ResponseItem) error
	SubmitInterrupt(ctx context.Context) error
	SubmitShutdown(ctx context.Context) error
	Events() <-chan ChildEvent
	ConversationID() string
	RolloutPath() string
}

// ChildConfig derives the configuration a new child conversation is created
// with, from the parent's turn context plus the caller's overrides.
type ChildConfig struct {
	BaseInstructions    string
	UserInstructions    string
	ApprovalPolicy      turncontext.ApprovalPolicy
	SandboxPolicy       turncontext.SandboxPolicy
	ModelID             string
	Cwd                 string
	IncludePlanningTool bool
}

// ConversationFactory spawns a new child conversation from a derived config.
type ConversationFactory interface {
	NewConversation(ctx context.Context, cfg ChildConfig) (ChildConversation, error)
}

// SubagentGuide is appended to a child's user instructions.
const SubagentGuide = "You are a subagent. Work the assigned goal to completion, write a brief plan before acting, and report a concise final result."

// OpenArgs are the caller-supplied parameters to Open.
type OpenArgs struct {
	Goal           string
	SystemPrompt   string
	Model          string
	ApprovalPolicy turncontext.ApprovalPolicy
	SandboxMode    SandboxMode
	Cwd            string
	MaxTurns       *int
	MaxRuntimeMs   *int64
}

// OpenResult is returned by a successful Open.
type OpenResult struct {
	SubagentID     string
	ConversationID string
	RolloutPath    string
	Description    string
}

// state is the supervisor's bookkeeping for one live subagent.
type state struct {
	conversation   ChildConversation
	conversationID string
	rolloutPath    string
	description    string
	createdAt      time.Time
	lastActive     time.Time
	turnsCompleted int
	running        bool
	maxTurns       *int
	maxRuntime     *time.Duration
	release        func()
}

// Supervisor owns the subagent map, mailbox, and concurrency semaphore for
// one root session.
type Supervisor struct {
	maxDepth int
	sem      *semaphore.Weighted

	mu        sync.Mutex
	subagents map[string]*state

	mailbox *Mailbox

	factory       ConversationFactory
	parentContext turncontext.TurnContext
}

// New builds a Supervisor bound to one root turn context.
func New(maxDepth, maxConcurrent int, factory ConversationFactory, parentContext turncontext.TurnContext) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Supervisor{
		maxDepth:      maxDepth,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		subagents:     make(map[string]*state),
		mailbox:       newMailbox(),
		factory:       factory,
		parentContext: parentContext,
	}
}

func summarizeGoal(goal string) string {
	trimmed := trimSpace(goal)
	if trimmed == "" {
		return "subagent task"
	}
	runes := []rune(trimmed)
	if len(runes) <= MailSubjectMaxLen {
		return trimmed
	}
	return string(runes[:MailSubjectMaxLen-1]) + "…"
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Open admits and creates a new child conversation.
func (s *Supervisor) Open(ctx context.Context, args OpenArgs) (OpenResult, error) {
	if s.maxDepth == 0 {
		return OpenResult{}, ErrDepthLimit
	}

	if !s.sem.TryAcquire(1) {
		return OpenResult{}, ErrConcurrencyLimit
	}
	release := sync.OnceFunc(func() { s.sem.Release(1) })

	if args.MaxTurns != nil && *args.MaxTurns == 0 {
		release()
		return OpenResult{}, ErrInvalidMaxTurns
	}
	if args.MaxRuntimeMs != nil && *args.MaxRuntimeMs == 0 {
		release()
		return OpenResult{}, ErrInvalidMaxRuntime
	}

	cfg := s.deriveChildConfig(args)

	conv, err := s.factory.NewConversation(ctx, cfg)
	if err != nil {
		release()
		return OpenResult{}, fmt.Errorf("failed to start subagent: %w", err)
	}

	subagentID := "subagent-" + uuid.NewString()
	description := summarizeGoal(args.Goal)

	var maxRuntime *time.Duration
	if args.MaxRuntimeMs != nil {
		d := time.Duration(*args.MaxRuntimeMs) * time.Millisecond
		maxRuntime = &d
	}

	st := &state{
		conversation:   conv,
		conversationID: conv.ConversationID(),
		rolloutPath:    conv.RolloutPath(),
		description:    description,
		createdAt:      time.Now(),
		lastActive:     time.Now(),
		maxTurns:       args.MaxTurns,
		maxRuntime:     maxRuntime,
		release:        release,
	}

	s.mu.Lock()
	s.subagents[subagentID] = st
	s.mu.Unlock()

	return OpenResult{
		SubagentID:     subagentID,
		ConversationID: st.conversationID,
		RolloutPath:    st.rolloutPath,
		Description:    description,
	}, nil
}

func (s *Supervisor) deriveChildConfig(args OpenArgs) ChildConfig {
	base := args.SystemPrompt
	if base == "" {
		base = s.parentContext.BaseInstructions
	}

	approval := args.ApprovalPolicy
	if approval == "" {
		approval = s.parentContext.ApprovalPolicy
	}

	sandbox := s.parentContext.SandboxPolicy
	switch args.SandboxMode {
	case SandboxModeDangerFullAccess:
		sandbox = turncontext.SandboxDangerFullAccess
	case SandboxModeReadOnly:
		sandbox = turncontext.SandboxReadOnly
	case SandboxModeWorkspaceWrite:
		sandbox = turncontext.SandboxWorkspaceWrite
	}

	model := args.Model
	if model == "" {
		model = s.parentContext.ModelID
	}

	userInstructions := SubagentGuide
	if s.parentContext.UserInstructions != "" {
		userInstructions = s.parentContext.UserInstructions + "\n\n--- subagent-guide ---\n\n" + SubagentGuide
	}

	cwd := s.parentContext.Cwd
	if args.Cwd != "" {
		if filepath.IsAbs(args.Cwd) {
			cwd = args.Cwd
		} else {
			cwd = filepath.Join(s.parentContext.Cwd, args.Cwd)
		}
	}

	return ChildConfig{
		BaseInstructions:    base,
		UserInstructions:    userInstructions,
		ApprovalPolicy:      approval,
		SandboxPolicy:       sandbox,
		ModelID:             model,
		Cwd:                 cwd,
		IncludePlanningTool: true,
	}
}

// ReplyResult is returned by a completed blocking reply.
type ReplyResult struct {
	Reply  string
	Usage  *Usage
	Done   bool
	MailID string
}

// Reply submits a message to the child, then waits for its terminal event
// under a composite idle+hard timeout, enqueuing a mailbox entry on
// completion.
func (s *Supervisor) Reply(ctx context.Context, subagentID, message string, images []string, timeout *time.Duration) (ReplyResult, error) {
	s.mu.Lock()
	st, ok := s.subagents[subagentID]
	if !ok {
		s.mu.Unlock()
		return ReplyResult{}, ErrSubagentNotFound
	}
	if st.running {
		s.mu.Unlock()
		return ReplyResult{}, ErrSubagentRunning
	}
	if st.maxTurns != nil && st.turnsCompleted >= *st.maxTurns {
		s.mu.Unlock()
		return ReplyResult{}, ErrTurnLimitReached
	}
	st.running = true
	conv := st.conversation
	maxIdle := st.maxRuntime
	s.mu.Unlock()

	items := []item.ResponseItem{item.NewUserMessage(message)}
	for _, img := range images {
		items = append(items, item.ResponseItem{
			Kind:    item.KindMessage,
			Role:    item.RoleUser,
			Content: []item.ContentPart{{InputImage: img}},
		})
	}

	if err := conv.SubmitUserInput(ctx, items); err != nil {
		s.mu.Lock()
		if st, ok := s.subagents[subagentID]; ok {
			st.running = false
		}
		s.mu.Unlock()
		return ReplyResult{}, fmt.Errorf("failed to submit to subagent: %w", err)
	}

	var hardDeadline *time.Time
	if timeout != nil {
		dl := time.Now().Add(*timeout)
		hardDeadline = &dl
	}

	var replyText string
	var lastUsage *Usage

loop:
	for {
		wait, hasWait, hardIsMin := s.computeWait(subagentID, maxIdle, hardDeadline)
		if hasWait && wait <= 0 {
			_ = conv.SubmitInterrupt(ctx)
			if hardIsMin {
				replyText = "Subagent reply timed out"
			} else {
				replyText = "Subagent timed out due to inactivity"
			}
			break loop
		}

		var timerCh <-chan time.Time
		if hasWait {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			replyText = "Subagent reply timed out"
			break loop
		case <-timerCh:
			_ = conv.SubmitInterrupt(ctx)
			if hardIsMin {
				replyText = "Subagent reply timed out"
			} else {
				replyText = "Subagent timed out due to inactivity"
			}
			break loop
		case evt, ok := <-conv.Events():
			if !ok {
				replyText = "subagent error: event stream closed"
				break loop
			}
			s.touch(subagentID)
			switch evt.Kind {
			case ChildEventAgentMessageDelta:
				replyText += evt.Delta
			case ChildEventAgentMessage:
				replyText += evt.Message
			case ChildEventTokenCount:
				if evt.Usage != nil {
					lastUsage = evt.Usage
				}
			case ChildEventTaskComplete:
				if evt.LastAgentMessage != "" {
					replyText = evt.LastAgentMessage
				}
				break loop
			case ChildEventError:
				replyText = fmt.Sprintf("subagent error: %v", evt.Err)
				break loop
			case ChildEventOther:
				// ignored
			}
		}
	}

	s.mu.Lock()
	var description string
	if st, ok := s.subagents[subagentID]; ok {
		st.turnsCompleted++
		st.running = false
		description = st.description
	}
	s.mu.Unlock()

	mailID := s.mailbox.enqueue(subagentID, description, replyText, lastUsage, s.turnsCompleted(subagentID))

	return ReplyResult{Reply: replyText, Usage: lastUsage, Done: true, MailID: mailID}, nil
}

// ReplyAsync admits a reply onto a background goroutine and returns
// immediately; onComplete is invoked once the reply reaches a terminal
// event.
func (s *Supervisor) ReplyAsync(ctx context.Context, subagentID, message string, images []string, timeout *time.Duration, onComplete func(ReplyResult, error)) {
	go func() {
		result, err := s.Reply(ctx, subagentID, message, images, timeout)
		if onComplete != nil {
			onComplete(result, err)
		}
	}()
}

func (s *Supervisor) turnsCompleted(subagentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.subagents[subagentID]; ok {
		return st.turnsCompleted
	}
	return 0
}

func (s *Supervisor) touch(subagentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.subagents[subagentID]; ok {
		st.lastActive = time.Now()
	}
}

// computeWait returns the composite wait duration: the smaller of the idle
// remaining and hard remaining bounds, if present, and whether the hard
// deadline is the binding bound (for timeout-cause attribution). Any event
// from the child, including partial deltas, refreshes lastActive via touch,
// so idleRemaining always reflects the latest activity.
func (s *Supervisor) computeWait(subagentID string, maxIdle *time.Duration, hardDeadline *time.Time) (wait time.Duration, hasWait bool, hardIsMin bool) {
	s.mu.Lock()
	var idleRemaining *time.Duration
	if maxIdle != nil {
		if st, ok := s.subagents[subagentID]; ok {
			since := time.Since(st.lastActive)
			var r time.Duration
			if since >= *maxIdle {
				r = 0
			} else {
				r = *maxIdle - since
			}
			idleRemaining = &r
		} else {
			zero := time.Duration(0)
			idleRemaining = &zero
		}
	}
	s.mu.Unlock()

	var hardRemaining *time.Duration
	if hardDeadline != nil {
		r := time.Until(*hardDeadline)
		if r < 0 {
			r = 0
		}
		hardRemaining = &r
	}

	switch {
	case idleRemaining != nil && hardRemaining != nil:
		if *hardRemaining <= *idleRemaining {
			return *hardRemaining, true, true
		}
		return *idleRemaining, true, false
	case idleRemaining != nil:
		return *idleRemaining, true, false
	case hardRemaining != nil:
		return *hardRemaining, true, true
	default:
		return 0, false, false
	}
}

// End removes the subagent's state, attempts a graceful shutdown, and
// applies the persistence policy to its rollout file.
func (s *Supervisor) End(ctx context.Context, subagentID string, persist bool, archiveTo string) (conversationID string, archivedPath string, err error) {
	s.mu.Lock()
	st, ok := s.subagents[subagentID]
	if ok {
		delete(s.subagents, subagentID)
	}
	s.mu.Unlock()
	if !ok {
		return "", "", ErrSubagentNotFound
	}
	defer st.release()

	_ = st.conversation.SubmitShutdown(ctx)
	drainCtx, cancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	defer cancel()
	select {
	case <-drainCtx.Done():
	case <-st.conversation.Events():
	}

	if !persist {
		if err := os.Remove(st.rolloutPath); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", st.rolloutPath).Msg("failed to remove subagent rollout file")
		}
		return st.conversationID, "", nil
	}

	if archiveTo != "" {
		if err := os.MkdirAll(archiveTo, 0o755); err == nil {
			dest := filepath.Join(archiveTo, filepath.Base(st.rolloutPath))
			if err := os.Rename(st.rolloutPath, dest); err == nil {
				return st.conversationID, dest, nil
			}
		}
	}

	return st.conversationID, "", nil
}

// ListMail returns mailbox entries per args, newest first.
func (s *Supervisor) ListMail(args ListArgs) []MailItem {
	return s.mailbox.List(args)
}

// ReadMail returns one mailbox entry by id, marking it read unless peek is set.
func (s *Supervisor) ReadMail(mailID string, peek bool) (MailItem, error) {
	return s.mailbox.Read(mailID, peek)
}
