package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "smarttodo/app/configs"
	"smarttodo/app/core/interaction/cli"
	"smarttodo/app/core/interaction/gateway"
	"smarttodo/app/core/interaction/http"
	"smarttodo/app/core/orchestrator/analysis"
	"smarttodo/app/core/orchestrator/db"
	"smarttodo/app/core/orchestrator/processor"
	"smarttodo/app/core/orchestrator/task"
	"smarttodo/app/core/scheduler"
	"smarttodo/app/pkg/logger"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("SmartTodo Starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	database, err := db.NewSQLiteDB("output/db")
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database initialized successfully")

	taskStore := task.NewStore(database)

	analyzer := analysis.NewClient(func() analysis.Settings {
		current := cfgManager.Get()
		return analysis.Settings{
			APIKey:         current.API.Key,
			BaseURL:        current.API.BaseURL,
			Model:          current.API.Model,
			Language:       current.API.Language,
			PromptOverride: current.API.PromptOverride,
			SilenceTimeout: time.Duration(current.API.SilenceTimeoutSec) * time.Second,
		}
	})

	proc := processor.New(taskStore, analyzer, cfgManager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fail anything a previous run left half-done before accepting input.
	if err := proc.RecoverStalled(ctx); err != nil {
		logger.Error("Failed to recover stalled messages: %v", err)
		os.Exit(1)
	}

	gw := gateway.NewGateway(proc)
	if tracer, err := gateway.NewTraceRecorder("output/traces"); err != nil {
		logger.Error("Failed to initialize trace recorder: %v", err)
	} else {
		gw.SetTraceRecorder(tracer)
	}

	cliChannel := cli.NewCLIChannel(proc)
	gw.RegisterChannel(cliChannel)

	httpChannel := http.NewHTTPChannel(cfg.Ingest.HTTPPort, taskStore, proc,
		time.Duration(cfg.Ingest.DedupWindowSec)*time.Second)
	httpChannel.SetStatusProvider(func() map[string]interface{} {
		status := gw.HealthStatus()
		return map[string]interface{}{
			"accepted_messages": status.AcceptedMessages,
			"rejected_messages": status.RejectedMessages,
			"channels":          status.RegisteredChannels,
		}
	})
	gw.RegisterChannel(httpChannel)

	jobScheduler := scheduler.New()
	sweepMaxAge := time.Duration(cfg.Ingest.SweepMaxAgeSec) * time.Second
	if err := jobScheduler.Register(scheduler.JobSpec{
		Name:     "stalled-message-sweep",
		Interval: time.Duration(cfg.Ingest.SweepIntervalSec) * time.Second,
		Timeout:  time.Minute,
		Run: func(jobCtx context.Context) error {
			_, err := proc.SweepStalled(jobCtx, sweepMaxAge)
			return err
		},
	}); err != nil {
		logger.Error("Failed to register sweep job: %v", err)
		os.Exit(1)
	}
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobScheduler.Stop(3 * time.Second); err != nil {
			logger.Error("Scheduler shutdown timeout: %v", err)
		}
	}()

	go func() {
		if err := gw.Start(ctx); err != nil {
			logger.Error("Gateway crashed: %v", err)
			os.Exit(1)
		}
	}()

	logger.Info("SmartTodo is ready to serve.")
	fmt.Println("- CLI Interface:  Interactive")
	fmt.Printf("- HTTP Interface: http://localhost:%d/api/messages (POST)\n", cfg.Ingest.HTTPPort)
	fmt.Printf("- Health:         http://localhost:%d/healthz\n", cfg.Ingest.HTTPPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. SmartTodo Shutting Down...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := proc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Processor shutdown incomplete: %v", err)
	}
}
