// Command agentcore is a minimal wiring entry point: it loads config and
// credentials, resolves a provider, opens (or resumes) one session against a
// rollout file under the data directory, and drives turns from stdin lines
// until EOF. It demonstrates constructing and driving a session.Session; CLI
// polish, a TUI, and editor/LSP integration are out of scope.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/agentcore/internal/config"
	"github.com/xonecas/agentcore/internal/provider"
	"github.com/xonecas/agentcore/internal/session"
	"github.com/xonecas/agentcore/internal/sessionindex"
	"github.com/xonecas/agentcore/internal/turncontext"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set up logging: %v\n", err)
	}

	flagConversation := flag.String("c", "", "resume a conversation by id")
	flagContinue := flag.Bool("continue", false, "continue the most recently updated conversation")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("error loading config: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Printf("error loading credentials: %v\n", err)
		os.Exit(1)
	}

	registry := provider.NewRegistryFromConfig(cfg, creds)
	providerName, providerCfg, err := provider.ResolveDefaultProvider(cfg, registry)
	if err != nil {
		fmt.Printf("error resolving provider: %v\n", err)
		os.Exit(1)
	}

	prov, err := registry.Create(providerName, providerCfg.Model, provider.Options{
		Temperature: providerCfg.Temperature,
		MaxTokens:   providerCfg.MaxTokens,
	})
	if err != nil {
		fmt.Printf("error creating provider: %v\n", err)
		os.Exit(1)
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("error preparing data dir: %v\n", err)
		os.Exit(1)
	}

	idx, err := sessionindex.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		fmt.Printf("error opening session index: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	turnCtx := turncontext.TurnContext{
		Cwd:            cwdOrDot(),
		ApprovalPolicy: turncontext.ApprovalOnRequest,
		SandboxPolicy:  turncontext.SandboxWorkspaceWrite,
		ModelID:        providerCfg.Model,
	}

	sess, conversationID := resolveSession(cfg, prov, idx, turnCtx, *flagConversation, *flagContinue)
	fmt.Printf("conversation %s — type a message and press enter (Ctrl-D to quit)\n", conversationID)

	go printEvents(sess)

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := sess.Submit(ctx, session.Op{Kind: session.OpUserInput, Text: line}); err != nil {
			fmt.Printf("submit error: %v\n", err)
			continue
		}
		_ = idx.Touch(conversationID)
	}

	if err := sess.Submit(ctx, session.Op{Kind: session.OpShutdown}); err != nil {
		fmt.Printf("shutdown error: %v\n", err)
		os.Exit(1)
	}
}

func printEvents(sess *session.Session) {
	for evt := range sess.Events() {
		switch evt.Kind {
		case session.EventAgentMessageDelta:
			fmt.Print(evt.Delta)
		case session.EventAgentMessage:
			fmt.Println()
		case session.EventTaskComplete:
			fmt.Println("--- turn complete ---")
		case session.EventBackground:
			fmt.Printf("[background] %s\n", evt.Message)
		case session.EventError:
			fmt.Printf("[error] %s\n", evt.Message)
		case session.EventTurnAborted:
			fmt.Printf("[aborted] %s\n", evt.Reason)
		}
	}
}

func resolveSession(cfg *config.Config, prov provider.Provider, idx *sessionindex.Index, turnCtx turncontext.TurnContext, flagConversation string, flagContinue bool) (*session.Session, string) {
	switch {
	case flagConversation != "":
		rec, err := idx.Get(flagConversation)
		if err != nil {
			fmt.Printf("conversation %q not found\n", flagConversation)
			os.Exit(1)
		}
		sess, err := session.Resume(cfg, prov, turnCtx, rec.RolloutPath, 0)
		if err != nil {
			fmt.Printf("error resuming conversation: %v\n", err)
			os.Exit(1)
		}
		return sess, rec.ConversationID

	case flagContinue:
		rec, err := idx.Latest()
		if err != nil {
			fmt.Printf("no conversations to continue: %v\n", err)
			os.Exit(1)
		}
		sess, err := session.Resume(cfg, prov, turnCtx, rec.RolloutPath, 0)
		if err != nil {
			fmt.Printf("error resuming conversation: %v\n", err)
			os.Exit(1)
		}
		return sess, rec.ConversationID

	default:
		conversationID := newConversationID()
		dataDir, err := config.EnsureDataDir()
		if err != nil {
			fmt.Printf("error preparing data dir: %v\n", err)
			os.Exit(1)
		}
		rolloutDir := filepath.Join(dataDir, "rollouts")
		if err := os.MkdirAll(rolloutDir, 0750); err != nil {
			fmt.Printf("error preparing rollout dir: %v\n", err)
			os.Exit(1)
		}
		rolloutPath := filepath.Join(rolloutDir, conversationID+".jsonl")

		sess, err := session.New(cfg, prov, turnCtx, rolloutPath, nil)
		if err != nil {
			fmt.Printf("error creating session: %v\n", err)
			os.Exit(1)
		}
		if err := idx.Create(conversationID, rolloutPath); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to index new conversation")
		}
		return sess, conversationID
	}
}

func cwdOrDot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func newConversationID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Warn().Err(err).Msg("failed to read random bytes for conversation id")
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "agentcore.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}
