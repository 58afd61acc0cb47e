package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/tandem/internal/agent"
	"github.com/haasonsaas/tandem/internal/agent/providers"
	"github.com/haasonsaas/tandem/internal/config"
	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/internal/sessions"
	"github.com/haasonsaas/tandem/internal/toolevents"
	"github.com/haasonsaas/tandem/pkg/models"
)

type rootFlags struct {
	configPath  string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          "tandem",
		Short:        "LLM agent runtime",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config file (default ~/.tandem/tandem.yaml)")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "expose prometheus metrics on this address")

	root.AddCommand(newChatCmd(flags))
	root.AddCommand(newSessionsCmd(flags))
	return root
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".tandem", "tandem.yaml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := config.Default()
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
			return cfg, nil
		}
	}
	return config.Load(path)
}

func buildRuntime(flags *rootFlags, cfg *config.Config) (*agent.Runtime, func(), error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sessionDir := cfg.SessionDir
	if sessionDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, err
		}
		sessionDir = filepath.Join(home, ".tandem", "sessions")
	}
	store := sessions.NewFileStore(sessionDir, logger)

	provider := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Headers:      cfg.Headers,
		DefaultModel: cfg.Model,
	})

	var metrics *observability.Metrics
	cleanup := func() {}
	if flags.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: flags.metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		cleanup = func() { _ = server.Close() }
	}

	rt, err := agent.NewRuntime(agent.Options{
		AgentID:           cfg.AgentID,
		SystemPrompt:      cfg.SystemPrompt,
		Log:               store,
		Stream:            provider.StreamFn(),
		Model:             agent.ModelDef{Provider: cfg.Provider, ID: cfg.Model, ContextTokens: cfg.ContextTokens},
		WorkspaceDir:      cfg.WorkspaceDir,
		APIKey:            cfg.APIKey,
		Temperature:       cfg.Temperature,
		Reasoning:         cfg.Reasoning,
		MaxTurns:          cfg.MaxTurns,
		ContextTokens:     cfg.ContextTokens,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	// Audit tool events alongside the session logs.
	auditPath := filepath.Join(sessionDir, "tool_events.db")
	if audit, err := toolevents.Open(auditPath); err != nil {
		logger.Warn("tool event audit disabled", "error", err)
	} else {
		rt.Subscribe(audit.Listener())
		prev := cleanup
		cleanup = func() {
			prev()
			_ = audit.Close()
		}
	}

	return rt, cleanup, nil
}

func newChatCmd(flags *rootFlags) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message, or chat interactively when no message is given",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, cleanup, err := buildRuntime(flags, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessionKey := cfg.SessionKey(sessionID)

			unsubscribe := rt.Subscribe(func(e models.AgentEvent) {
				switch e.Type {
				case models.EventMessageDelta:
					fmt.Print(e.Delta)
				case models.EventMessageEnd:
					fmt.Println()
				case models.EventToolExecutionStart:
					fmt.Fprintf(os.Stderr, "[tool %s]\n", e.ToolName)
				}
			})
			defer unsubscribe()

			if len(args) > 0 {
				_, err := rt.Run(ctx, sessionKey, strings.Join(args, " "))
				return err
			}

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if _, err := rt.Run(ctx, sessionKey, line); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "default", "session id")
	return cmd
}

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List session keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, cleanup, err := buildRuntime(flags, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			keys, err := rt.Sessions()
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <session-id>",
		Short: "Delete a session log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			rt, cleanup, err := buildRuntime(flags, cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return rt.Reset(cmd.Context(), cfg.SessionKey(args[0]))
		},
	})

	return cmd
}
