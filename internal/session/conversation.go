package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/xonecas/agentcore/internal/config"
	"github.com/xonecas/agentcore/internal/history"
	"github.com/xonecas/agentcore/internal/item"
	"github.com/xonecas/agentcore/internal/provider"
	"github.com/xonecas/agentcore/internal/rollout"
	"github.com/xonecas/agentcore/internal/stream"
	"github.com/xonecas/agentcore/internal/subagent"
	"github.com/xonecas/agentcore/internal/turncontext"
)

// childConversationFactory spawns subagent child conversations backed by the
// same provider the root session uses, one model turn at a time, each
// recording to its own rollout file under <data dir>/subagents/.
type childConversationFactory struct {
	prov provider.Provider
}

func newChildConversationFactory(prov provider.Provider) *childConversationFactory {
	return &childConversationFactory{prov: prov}
}

func (f *childConversationFactory) NewConversation(ctx context.Context, cfg subagent.ChildConfig) (subagent.ChildConversation, error) {
	id := uuid.NewString()

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return nil, fmt.Errorf("subagent rollout dir: %w", err)
	}
	subagentDir := filepath.Join(dataDir, "subagents")
	if err := os.MkdirAll(subagentDir, 0750); err != nil {
		return nil, fmt.Errorf("subagent rollout dir: %w", err)
	}
	rolloutPath := filepath.Join(subagentDir, id+".jsonl")

	w, err := rollout.Create(rolloutPath)
	if err != nil {
		return nil, fmt.Errorf("create subagent rollout: %w", err)
	}

	tc := turncontext.TurnContext{
		Cwd:              cfg.Cwd,
		ApprovalPolicy:   cfg.ApprovalPolicy,
		SandboxPolicy:    cfg.SandboxPolicy,
		ModelID:          cfg.ModelID,
		BaseInstructions: cfg.BaseInstructions,
		UserInstructions: cfg.UserInstructions,
	}
	if err := w.WriteTurnContext(tc); err != nil {
		w.Close()
		return nil, fmt.Errorf("write subagent turn context: %w", err)
	}

	cc := &childConversation{
		id:          id,
		rolloutPath: rolloutPath,
		rollout:     w,
		history:     history.New(),
		prov:        f.prov,
		turnCtx:     tc,
		input:       make(chan childCmd, 8),
		events:      make(chan subagent.ChildEvent, 32),
		done:        make(chan struct{}),
	}
	go cc.run()
	return cc, nil
}

type childCmdKind int

const (
	childCmdUserInput childCmdKind = iota
	childCmdShutdown
)

type childCmd struct {
	kind  childCmdKind
	items []item.ResponseItem
}

// childConversation is a subagent.ChildConversation: a single-turn-at-a-time
// worker goroutine draining a command queue and reporting events.
type childConversation struct {
	id          string
	rolloutPath string
	rollout     *rollout.Writer
	history     *history.Store
	prov        provider.Provider
	turnCtx     turncontext.TurnContext

	input  chan childCmd
	events chan subagent.ChildEvent
	done   chan struct{}

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

func (c *childConversation) ConversationID() string              { return c.id }
func (c *childConversation) RolloutPath() string                 { return c.rolloutPath }
func (c *childConversation) Events() <-chan subagent.ChildEvent  { return c.events }

func (c *childConversation) SubmitUserInput(ctx context.Context, items []item.ResponseItem) error {
	select {
	case c.input <- childCmd{kind: childCmdUserInput, items: items}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.New("subagent conversation is closed")
	}
}

func (c *childConversation) SubmitInterrupt(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancelTurn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *childConversation) SubmitShutdown(ctx context.Context) error {
	select {
	case c.input <- childCmd{kind: childCmdShutdown}:
	case <-c.done:
	}
	return nil
}

func (c *childConversation) run() {
	defer c.rollout.Close()
	defer close(c.events)
	defer close(c.done)

	for cmd := range c.input {
		switch cmd.kind {
		case childCmdUserInput:
			c.runTurn(cmd.items)
		case childCmdShutdown:
			return
		}
	}
}

func (c *childConversation) runTurn(items []item.ResponseItem) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelTurn = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancelTurn = nil
		c.mu.Unlock()
	}()

	if err := c.rollout.WriteTurnContext(c.turnCtx); err != nil {
		c.events <- subagent.ChildEvent{Kind: subagent.ChildEventError, Err: err}
		return
	}

	c.history.Record(items...)
	_ = c.rollout.WriteResponseItems(items)

	messages := providerMessages(c.history.Snapshot())
	open := openModelStream(c.prov, messages, func(evt provider.StreamEvent) {
		switch evt.Type {
		case provider.EventContentDelta, provider.EventReasoningDelta:
			c.events <- subagent.ChildEvent{Kind: subagent.ChildEventAgentMessageDelta, Delta: evt.Content}
		}
	})

	var lastMsg string
	usage, err := stream.RetryWithBackoff(ctx, defaultStreamRetryAttempts, open, recorderFunc(func(its ...item.ResponseItem) {
		c.history.Record(its...)
		_ = c.rollout.WriteResponseItems(its)
		for _, it := range its {
			if it.Kind == item.KindMessage && it.Role == item.RoleAssistant {
				lastMsg = it.Text()
				c.events <- subagent.ChildEvent{Kind: subagent.ChildEventAgentMessage, Message: lastMsg}
			}
		}
	}))
	if err != nil {
		c.events <- subagent.ChildEvent{Kind: subagent.ChildEventError, Err: err}
		return
	}

	c.events <- subagent.ChildEvent{
		Kind:  subagent.ChildEventTokenCount,
		Usage: &subagent.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
	}
	c.events <- subagent.ChildEvent{Kind: subagent.ChildEventTaskComplete, LastAgentMessage: lastMsg}
}
