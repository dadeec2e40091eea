package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentdock/agentdock/internal/config"
	"github.com/agentdock/agentdock/internal/jobs"
	"github.com/agentdock/agentdock/internal/logging"
	"github.com/agentdock/agentdock/internal/notify"
	"github.com/agentdock/agentdock/internal/ptyproc"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/store"
	"github.com/agentdock/agentdock/internal/web"
	"github.com/agentdock/agentdock/internal/worker"
)

const Version = "0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("agentdock v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "serve":
			runServe(args[1:])
			return
		case "attach":
			runAttach(args[1:])
			return
		}
	}
	printHelp()
	os.Exit(1)
}

func printHelp() {
	fmt.Println(`agentdock - agent session server

Usage:
  agentdock serve [-config path] [-listen addr]
  agentdock attach [-addr host:port] [-token t] <session-id> <worker-id>
  agentdock version`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to agentdock.toml (default: <data-dir>/agentdock.toml)")
	listen := fs.String("listen", "", "listen address override")
	token := fs.String("token", os.Getenv("AGENTDOCK_API_TOKEN"), "API bearer token")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	if *listen != "" {
		cfg.Listen = *listen
	}

	logging.Init(logging.Config{
		Dir:        filepath.Join(cfg.DataDir, "logs"),
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	db, err := store.Open(filepath.Join(cfg.DataDir, "agentdock.db"))
	if err != nil {
		log.Error("store_open_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Error("store_migrate_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	workers := worker.NewManager(worker.Options{
		Spawner:     ptyproc.NewSpawner(),
		Agents:      agentLookup(cfg),
		Tuning:      cfg.Detector.Tuning(),
		BufferLimit: cfg.Buffer.LimitBytes,
		MirrorDir:   cfg.Buffer.MirrorDir,
	})

	sessions, err := session.NewManager(session.Options{
		Store:   db,
		Workers: workers,
	})
	if err != nil {
		log.Error("session_manager_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	notifier := notify.NewManager(
		notify.PolicyFromConfig(cfg.Notifications),
		func(sessionID string) (string, bool) {
			s, err := sessions.GetSession(sessionID)
			if err != nil {
				return "", false
			}
			return s.RepositoryID, true
		},
	)
	sessions.SetNotifier(notifier)

	var pushService *web.PushService
	if cfg.Push.VAPIDPublicKey != "" {
		pushService, err = web.NewPushService(cfg.Push, cfg.DataDir)
		if err != nil {
			log.Warn("push_disabled", slog.String("error", err.Error()))
		} else {
			notifier.AddSender(pushService)
		}
	}

	queue := jobs.NewQueue(db, jobs.QueueOptions{})
	registerWebhookHandler(queue, db, sessions)

	srv := web.NewServer(web.Config{
		ListenAddr: cfg.Listen,
		Token:      *token,
		Sessions:   sessions,
		Queue:      queue,
		Push:       pushService,
	})

	watcher, err := config.Watch(configFilePath(*configPath, cfg), func(fresh config.Config) {
		notifier.SetPolicy(notify.PolicyFromConfig(fresh.Notifications))
		workers.SetAgents(agentLookup(fresh))
	})
	if err != nil {
		log.Warn("config_watch_disabled", slog.String("error", err.Error()))
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		err := queue.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("agentdock_started",
		slog.String("version", Version),
		slog.String("listen", cfg.Listen),
		slog.String("data_dir", cfg.DataDir))

	if err := g.Wait(); err != nil {
		log.Error("server_error", slog.String("error", err.Error()))
		_ = logging.DumpRing(filepath.Join(cfg.DataDir, "logs", "crash.dump"))
		os.Exit(1)
	}
}

func loadConfig(explicitPath string) config.Config {
	path := explicitPath
	if path == "" {
		path = filepath.Join(config.Default().DataDir, config.ConfigFileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func configFilePath(explicitPath string, cfg config.Config) string {
	if explicitPath != "" {
		return explicitPath
	}
	return filepath.Join(cfg.DataDir, config.ConfigFileName)
}

func agentLookup(cfg config.Config) worker.AgentLookup {
	agents := cfg.Agents
	return func(id string) (config.AgentDef, bool) {
		def, ok := agents[id]
		return def, ok
	}
}
