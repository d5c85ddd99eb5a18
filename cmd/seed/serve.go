package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"seed/internal/agent"
	"seed/internal/audit"
	"seed/internal/command"
	"seed/internal/config"
	"seed/internal/conversation"
	"seed/internal/event"
	"seed/internal/interaction"
	"seed/internal/llm"
	"seed/internal/logging"
	"seed/internal/observability"
	"seed/internal/runtime"
	"seed/internal/server"
	"seed/internal/task"
	"seed/internal/tool"
	"seed/internal/tool/builtin"
	"seed/internal/tool/subtask"
)

func newServeCmd() *cobra.Command {
	var host string
	var port int
	var workDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the seed daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, workDir)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config, 0 picks the configured port)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory file tools operate in")
	return cmd
}

// kernel bundles everything serve builds so shutdown can unwind it in
// reverse order.
type kernel struct {
	cfg      config.Config
	store    *event.FileStore
	proj     *task.Projection
	auditLog *audit.Log
	manager  *runtime.Manager
	server   *server.Server
	logger   logging.Logger
}

func runServe(host string, port int, workDir string) error {
	cfgMgr, err := config.NewManager(dataDir())
	if err != nil {
		return err
	}
	cfg := cfgMgr.Get()
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if workDir != "" {
		cfg.WorkDir = workDir
	}

	k, err := buildKernel(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(k.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		k.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := k.server.Shutdown(shutdownCtx)
		k.manager.Stop()
		k.proj.Stop()
		_ = k.auditLog.Close()
		if closeErr := k.store.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	return g.Wait()
}

func buildKernel(cfg config.Config) (*kernel, error) {
	logger := logging.NewComponentLogger("seed")
	if cfg.WorkDir == "" {
		cfg.WorkDir, _ = os.Getwd()
	}

	metrics, err := observability.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	store, err := event.OpenFileStore(filepath.Join(cfg.DataDir, "events"),
		event.WithLogger(logging.NewComponentLogger("event")),
		event.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	proj, err := task.NewProjection(store,
		task.WithCheckpointEvery(cfg.ProjectionCheckpointEvery),
		task.WithProjectionLogger(logging.NewComponentLogger("projection")))
	if err != nil {
		return nil, err
	}

	convStore, err := conversation.OpenStore(filepath.Join(cfg.DataDir, "conversations"))
	if err != nil {
		return nil, err
	}
	conv := conversation.NewManager(convStore, logging.NewComponentLogger("conversation"))

	auditLog, err := audit.Open(filepath.Join(cfg.DataDir, "audit"),
		audit.WithLogger(logging.NewComponentLogger("audit")))
	if err != nil {
		return nil, err
	}

	artifacts, err := tool.OpenArtifactStore(filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry()
	registry.MustRegister(builtin.All()...)
	executor := tool.NewExecutor(registry, auditLog,
		tool.WithExecutorLogger(logging.NewComponentLogger("tool")),
		tool.WithExecutorMetrics(metrics))

	interactions := interaction.NewService(store,
		interaction.WithLogger(logging.NewComponentLogger("interaction")),
		interaction.WithMetrics(metrics))

	llmClient, err := llm.NewOpenAIClient(cfg.LLM,
		llm.WithClientLogger(logging.NewComponentLogger("llm")),
		llm.WithClientMetrics(metrics))
	if err != nil {
		return nil, err
	}

	catalog, err := config.LoadAgentCatalog(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	agents := agent.NewRegistry()
	for _, a := range []agent.Agent{agent.NewChatAgent(logging.NewComponentLogger("agent"))} {
		if catalog.Disabled(a.ID()) {
			logger.Info("agent %s disabled by catalog", a.ID())
			continue
		}
		agents.MustRegister(applyCatalog(a, catalog))
	}

	commands := command.NewService(store, proj, interactions, agents,
		logging.NewComponentLogger("command"))

	registry.MustRegister(subtask.ForAgents(agents.IDs(), commands, store, proj, conv,
		cfg.MaxSubtaskDepth, logging.NewComponentLogger("subtask"))...)

	srv := server.New(server.Deps{
		Config:       cfg,
		Store:        store,
		Projection:   proj,
		Conversation: conv,
		Audit:        auditLog,
		Commands:     commands,
		Interactions: interactions,
		Agents:       agents,
		Logger:       logging.NewComponentLogger("server"),
		Metrics:      metrics,
	})

	handler := runtime.NewHandler(conv, executor, interactions, store, srv.Hub(),
		logging.NewComponentLogger("runtime"))
	manager := runtime.NewManager(&runtime.Deps{
		Store:        store,
		Projection:   proj,
		Conversation: conv,
		Handler:      handler,
		Registry:     registry,
		LLM:          llmClient,
		UI:           srv.Hub(),
		Logger:       logging.NewComponentLogger("runtime"),
		Metrics:      metrics,
		WorkDir:      cfg.WorkDir,
		Artifacts:    artifacts,

		Interactions:       interactions,
		InteractionTimeout: time.Duration(cfg.InteractionTimeoutSeconds) * time.Second,
	}, agents)
	manager.SetStreaming(cfg.StreamingEnabled)
	commands.AttachRuntime(manager)

	manager.Start()
	manager.RecoverActiveTasks()

	return &kernel{
		cfg:      cfg,
		store:    store,
		proj:     proj,
		auditLog: auditLog,
		manager:  manager,
		server:   srv,
		logger:   logger,
	}, nil
}

// catalogAgent overlays agents.yaml adjustments onto a compiled-in
// agent.
type catalogAgent struct {
	agent.Agent
	profile    agent.Profile
	toolGroups []string
}

func (c *catalogAgent) DefaultProfile() agent.Profile { return c.profile }

func (c *catalogAgent) ToolGroups() []string {
	if c.toolGroups != nil {
		return c.toolGroups
	}
	return c.Agent.ToolGroups()
}

func applyCatalog(a agent.Agent, catalog *config.AgentCatalog) agent.Agent {
	o, ok := catalog.For(a.ID())
	if !ok || (o.Profile == nil && o.ToolGroups == nil) {
		return a
	}
	profile := a.DefaultProfile()
	if o.Profile != nil {
		profile = profile.Merge(&agent.Profile{
			SystemPrompt:  o.Profile.SystemPrompt,
			Temperature:   o.Profile.Temperature,
			MaxTokens:     o.Profile.MaxTokens,
			MaxIterations: o.Profile.MaxIterations,
		})
	}
	return &catalogAgent{Agent: a, profile: profile, toolGroups: o.ToolGroups}
}
