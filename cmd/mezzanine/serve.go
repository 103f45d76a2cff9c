package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mezzanine-av/mezzanine/config"
	"github.com/mezzanine-av/mezzanine/db"
	"github.com/mezzanine-av/mezzanine/distributed"
	"github.com/mezzanine-av/mezzanine/errors"
	"github.com/mezzanine-av/mezzanine/foreman"
	"github.com/mezzanine-av/mezzanine/frontend"
	"github.com/mezzanine-av/mezzanine/history"
	"github.com/mezzanine-av/mezzanine/library"
	"github.com/mezzanine-av/mezzanine/logger"
	"github.com/mezzanine-av/mezzanine/postprocessor"
	"github.com/mezzanine-av/mezzanine/queue"
	"github.com/mezzanine-av/mezzanine/server"
	"github.com/mezzanine-av/mezzanine/task"
	"github.com/mezzanine-av/mezzanine/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator",
	Long: `Start the Mezzanine orchestrator: the foreman scheduler with its
local worker pool, the post-processor, the distributed-worker monitor,
and the HTTP API.`,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file path (overrides the default lookup)")
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if serveConfigPath != "" {
		cfg, err = config.LoadFromFile(serveConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if cfg.ConfigRoot == "" {
		cfg.ConfigRoot = config.DefaultConfigRoot()
	}

	if err := logger.Initialize(cfg.Log.JSON); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	log := logger.Logger

	if err := os.MkdirAll(cfg.Cache.Path, 0o755); err != nil {
		return errors.Wrap(err, "failed to create cache root")
	}

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()
	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	scratch := task.NewScratchStore()
	store := task.NewStore(database, scratch)
	libs := library.NewStore(database)
	groups := worker.NewGroupStore(database)
	historyStore := history.NewStore(database)

	q, err := queue.New(cfg.Queue, store, libs, log)
	if err != nil {
		return errors.Wrap(err, "failed to create task queue")
	}

	registry, err := distributed.NewRegistry(cfg.ConfigRoot)
	if err != nil {
		return errors.Wrap(err, "failed to load worker registry")
	}
	secret, err := distributed.LoadOrCreateSecret(cfg.ConfigRoot)
	if err != nil {
		return errors.Wrap(err, "failed to load auth secret")
	}
	tokens := distributed.NewTokenManager(secret, registry,
		time.Duration(cfg.Distributed.TokenValiditySeconds)*time.Second)

	bus := frontend.NewBus()
	feed := frontend.NewFeed(bus, log)
	feed.Start()
	defer feed.Stop()

	monitor := distributed.NewMonitor(registry, store, log)
	monitor.Start()
	defer monitor.Stop()

	post := postprocessor.New(cfg.PostProcessor, q, store, historyStore, nil, log)
	post.Start()
	defer post.Stop()

	fm := foreman.New(foreman.Options{
		Config:    cfg,
		Groups:    groups,
		Queue:     q,
		Store:     store,
		Scratch:   scratch,
		Libraries: libs,
		Bus:       bus,
		GPUs:      worker.NewGPUManager(cfg.GPU),
		Pipeline:  copyPipeline{},
		Logger:    log,
	})
	go fm.Run()
	defer fm.Stop()

	srv := server.New(server.Options{
		Config:    cfg.Server,
		Registry:  registry,
		Tokens:    tokens,
		Queue:     q,
		Store:     store,
		Scratch:   scratch,
		Bus:       bus,
		Feed:      feed,
		DB:        database,
		CacheRoot: cfg.Cache.Path,
		Logger:    log,
	})

	pterm.DefaultHeader.Printf("Mezzanine %s", server.Version)
	pterm.Info.Printf("Listening on port %d, database %s\n", cfg.Server.Port, cfg.Database.Path)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "server stopped unexpectedly")
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			fm.Stop()
			shutdownDone <- srv.Stop(ctx)
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// copyPipeline stands in for the plugin transcode dispatcher when no
// plugin runtime is attached: it copies the source into the cache slot
// unchanged, which exercises the scheduling, post-processing, and
// history machinery end to end.
type copyPipeline struct{}

func (copyPipeline) Run(t *task.Task, w *worker.Worker) (bool, error) {
	src, err := os.Open(t.Abspath)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open source %s", t.Abspath)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(t.CachePath), 0o755); err != nil {
		return false, errors.Wrap(err, "failed to create cache directory")
	}
	dst, err := os.Create(t.CachePath)
	if err != nil {
		return false, errors.Wrap(err, "failed to create cache file")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return false, errors.Wrap(err, "failed to copy source into cache")
	}
	return true, nil
}
