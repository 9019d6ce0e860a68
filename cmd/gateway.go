package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/goclaw-gateway/internal/agent"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/bus"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/imessage"
	signalchannel "github.com/nextlevelbuilder/goclaw-gateway/internal/channels/signal"
	slackchannel "github.com/nextlevelbuilder/goclaw-gateway/internal/channels/slack"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/webchat"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/config"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/cron"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/gateway"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/heartbeat"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/outbound"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/pairing"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/providers"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store"
	"github.com/nextlevelbuilder/goclaw-gateway/internal/store/pg"
	"github.com/nextlevelbuilder/goclaw-gateway/pkg/protocol"
)

func runGateway() {
	setupLogging()

	configPath := resolveConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runGatewayWithConfig(ctx, cfg, configPath); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	var handler slog.Handler
	if verbose {
		level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func runGatewayWithConfig(ctx context.Context, cfg *config.Config, configPath string) error {
	msgBus := bus.New()

	// --- stores ---
	stateDir := filepath.Dir(config.ExpandHome(cfg.Sessions.Storage))
	sessionStore, err := buildSessionStore(cfg)
	if err != nil {
		return err
	}
	pairingStore := pairing.NewManager(filepath.Join(stateDir, "credentials", "pairing.json"))

	runLog, err := cron.OpenRunLog(filepath.Join(stateDir, "cron", "runs.db"))
	if err != nil {
		return fmt.Errorf("open cron run log: %w", err)
	}
	defer runLog.Close()
	cronStore, err := cron.NewFileStore(filepath.Join(stateDir, "cron", "jobs.json"), runLog)
	if err != nil {
		return fmt.Errorf("load cron jobs: %w", err)
	}

	// --- providers + agent loop ---
	registry := providers.NewRegistry()
	registerProviders(registry, cfg)
	if registry.Len() == 0 {
		return fmt.Errorf("no LLM provider configured; set GOCLAW_ANTHROPIC_API_KEY or another provider key")
	}
	provider, err := registry.Get(cfg.Agent.Provider)
	if err != nil {
		return fmt.Errorf("agent provider: %w", err)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:     provider,
		Model:        cfg.Agent.Model,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		SystemPrompt: buildSystemPrompt(cfg),
		Sessions:     sessionStore,
		EventPub:     msgBus,
	})

	// --- scheduler ---
	sched := scheduler.New(scheduler.Config{
		Run: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
			return loop.Run(ctx, req)
		},
		Steer:       loop.Steer,
		Sessions:    sessionStore,
		EventPub:    msgBus,
		DefaultMode: parseQueueMode(cfg.Messages.Queue.Mode, ""),
		ByChannel:   parseByChannelModes(cfg.Messages.Queue.ByChannel),
	})

	// --- channels + outbound ---
	deliverer := &outbound.Deliverer{}
	channelMgr := channels.NewManager(msgBus, deliverer)
	registerChannels(channelMgr, cfg, msgBus, pairingStore)

	// --- heartbeat + cron ---
	hb := heartbeat.New(cfg, sessionStore, sched, channelMgr, msgBus, msgBus)

	cronRunner := cron.NewRunner(
		cronStore,
		msgBus,
		makeCronRunFunc(cfg, sched),
		func(channel, to, text string) {
			msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: to, Content: text})
		},
		func(reason string) { hb.RequestNow(reason, 0) },
		cfg.Cron.ToRetryConfig(),
	)

	// --- gateway protocol server ---
	server := gateway.NewServer(cfg, msgBus, &gateway.Deps{
		Sessions:   sessionStore,
		Sched:      sched,
		Channels:   channelMgr,
		Pairing:    pairingStore,
		CronStore:  cronStore,
		Cron:       cronRunner,
		Providers:  registry,
		Heartbeat:  hb,
		ConfigPath: configPath,
		SkillsDir:  config.ExpandHome(cfg.Skills.StorageDir),
		MainKey:    cfg.Sessions.MainKey,
	})

	// Forward agent events to streaming channels (live message edits).
	msgBus.Subscribe("channel-streaming", func(event bus.Event) {
		if event.Name != protocol.EventAgent {
			return
		}
		if ae, ok := event.Payload.(agent.AgentEvent); ok {
			channelMgr.HandleAgentEvent(ae.Type, ae.RunID, ae.Payload)
		}
	})

	// --- start everything ---
	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer channelMgr.StopAll(context.Background())

	go consumeInboundMessages(ctx, msgBus, cfg, sched, channelMgr, sessionStore)
	go hb.Start(ctx)
	go cronRunner.Start(ctx)

	// Config hot reload: restart only the channels whose prefix changed.
	go func() {
		err := config.Watch(ctx, configPath, cfg, func(changed []string) {
			for _, prefix := range changed {
				if name, ok := channelPrefix(prefix); ok {
					slog.Info("config changed, restarting channel", "channel", name)
					if err := channelMgr.RestartChannel(ctx, name); err != nil {
						slog.Warn("channel restart failed", "channel", name, "error", err)
					}
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	// Optional tsnet listener: same routes, reachable over the tailnet.
	if cfg.Tailscale.Hostname != "" {
		go startTailscaleListener(ctx, cfg, server)
	}

	return server.Start(ctx)
}

func parseQueueMode(s, fallbackFor string) scheduler.Mode {
	mode, ok := scheduler.ParseMode(s)
	if !ok {
		if s != "" {
			slog.Warn("unknown queue mode, using interrupt", "mode", s, "channel", fallbackFor)
		}
		return scheduler.ModeInterrupt
	}
	return mode
}

func parseByChannelModes(byChannel map[string]string) map[string]scheduler.Mode {
	out := make(map[string]scheduler.Mode, len(byChannel))
	for ch, modeStr := range byChannel {
		if m, ok := scheduler.ParseMode(modeStr); ok {
			out[ch] = m
		} else {
			slog.Warn("unknown per-channel queue mode, ignoring", "channel", ch, "mode", modeStr)
		}
	}
	return out
}

func buildSessionStore(cfg *config.Config) (store.SessionStore, error) {
	if cfg.UsesPostgres() {
		if err := pg.Migrate(cfg.Database.PostgresDSN); err != nil {
			return nil, err
		}
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		slog.Info("session store: postgres")
		return pg.NewSessionStore(db), nil
	}
	path := filepath.Join(config.ExpandHome(cfg.Sessions.Storage), "sessions.json")
	slog.Info("session store: file", "path", path)
	return sessions.NewManager(path), nil
}

func buildSystemPrompt(cfg *config.Config) string {
	name := cfg.DisplayName()
	prompt := "You are " + name + ", a personal assistant reachable over chat."
	if cfg.Agent.Identity != nil && cfg.Agent.Identity.Emoji != "" {
		prompt += " Your emoji is " + cfg.Agent.Identity.Emoji + "."
	}
	prompt += "\nKeep replies conversational and sized for a chat window." +
		"\nTo attach a file to your reply, put MEDIA:<path-or-url> on its own line." +
		"\nIf no reply is warranted, answer exactly NO_REPLY."
	return prompt
}

// registerChannels constructs every enabled channel adapter.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus, pairingStore store.PairingStore) {
	if cfg.Channels.Telegram.Enabled {
		if ch, err := telegram.New(cfg.Channels.Telegram, msgBus, pairingStore); err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		if ch, err := discord.New(cfg.Channels.Discord, msgBus, pairingStore); err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	}
	if cfg.Channels.Slack.Enabled {
		if ch, err := slackchannel.New(cfg.Channels.Slack, msgBus, pairingStore); err != nil {
			slog.Error("slack channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("slack", ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, pairingStore); err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", ch)
		}
	}
	if cfg.Channels.Signal.Enabled {
		if ch, err := signalchannel.New(cfg.Channels.Signal, msgBus, pairingStore); err != nil {
			slog.Error("signal channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("signal", ch)
		}
	}
	if cfg.Channels.IMessage.Enabled {
		if ch, err := imessage.New(cfg.Channels.IMessage, msgBus, pairingStore); err != nil {
			slog.Error("imessage channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("imessage", ch)
		}
	}
	if cfg.Channels.Webchat.Enabled {
		mgr.RegisterChannel("webchat", webchat.New(msgBus, msgBus))
	}
}

// channelPrefix maps a changed config prefix to a channel name.
func channelPrefix(prefix string) (string, bool) {
	const p = "channels."
	if len(prefix) > len(p) && prefix[:len(p)] == p {
		return prefix[len(p):], true
	}
	return "", false
}

// startTailscaleListener exposes the gateway on the tailnet via tsnet.
// Identity comes from the tailnet itself, so token auth is unnecessary for
// peers reaching the gateway this way.
func startTailscaleListener(ctx context.Context, cfg *config.Config, server *gateway.Server) {
	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}
	if cfg.Tailscale.StateDir != "" {
		srv.Dir = config.ExpandHome(cfg.Tailscale.StateDir)
	}
	defer srv.Close()

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet listen failed", "error", err)
		return
	}
	if cfg.Tailscale.EnableTLS {
		if tlsLn, tlsErr := srv.ListenTLS("tcp", ":443"); tlsErr == nil {
			ln.Close()
			ln = tlsLn
		} else {
			slog.Warn("tsnet TLS listen failed, serving plain HTTP", "error", tlsErr)
		}
	}

	slog.Info("tsnet listener up", "hostname", cfg.Tailscale.Hostname)
	if err := server.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		slog.Error("tsnet serve failed", "error", err)
	}
}
