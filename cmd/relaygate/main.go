// Package main boots the relaygate service: it verifies the backing
// store, restores persisted safety state (the ban flag), wires the
// orchestration engine, and serves the HTTP ingress. If the backing
// store cannot be reached after bounded retries the process exits
// rather than running degraded.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/relaygate/relaygate/pkg/admission"
	"github.com/relaygate/relaygate/pkg/api"
	"github.com/relaygate/relaygate/pkg/browser"
	"github.com/relaygate/relaygate/pkg/config"
	"github.com/relaygate/relaygate/pkg/coordinator"
	"github.com/relaygate/relaygate/pkg/credential"
	"github.com/relaygate/relaygate/pkg/delivery"
	"github.com/relaygate/relaygate/pkg/kv"
	"github.com/relaygate/relaygate/pkg/queue"
	"github.com/relaygate/relaygate/pkg/session"
)

const version = "0.1.0"

// storeProbeMaxTries bounds the startup connectivity probe.
const storeProbeMaxTries = 5

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaygate v%s\n", version)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, *configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store := kv.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := probeStore(ctx, store, logger); err != nil {
		return fmt.Errorf("backing store unreachable, refusing to start: %w", err)
	}

	machine := session.NewMachine(logger)
	banRec := session.NewBanRecord(store)
	issuer := credential.NewIssuer(store, logger)

	banned, err := banRec.IsSet(ctx)
	if err != nil {
		return err
	}

	driver := browser.NewDriver(browser.Options{
		Headless:    cfg.Browser.Headless,
		UserDataDir: cfg.Browser.UserDataDir,
	}, logger)

	breaker := admission.NewBreaker(cfg.Admission.FailureThreshold, cfg.Admission.BreakerCooldown, logger)
	ramp := admission.NewRamp(store, cfg.Admission.BaseDailyLimit, cfg.Admission.DailyLimitStep, cfg.Admission.MaxDailyLimit, logger)

	sender := delivery.NewSender(driver, machine, delivery.Config{
		SendURLTemplate: cfg.Chat.SendURLTemplate,
		Selectors:       cfg.Chat.Selectors,
	}, logger)
	handler := delivery.NewHandler(ramp, breaker, machine, sender, logger)

	jobQueue := queue.New(store.Client(), handler.Handle, queue.Options{}, logger)

	resource := &browserResource{driver: driver, baseURL: cfg.Chat.BaseURL}
	coord := coordinator.New(jobQueue, resource,
		func() { machine.Reset("resource recreated") },
		func(err error) {
			// Alerting condition: the queue stays paused until an
			// operator intervenes or a later restart succeeds.
			logger.Error("ALERT: automation resource unrecoverable", "error", err)
		},
		coordinator.Options{}, logger)

	sampler := session.NewDOMSampler(driver, cfg.Chat.Selectors, cfg.Chat.BanPhrases)
	detector := session.NewDetector(machine, sampler, session.RealClock(), func(banCtx context.Context) {
		if err := banRec.Set(banCtx); err != nil {
			logger.Error("persisting ban flag failed", "error", err)
		}
		coord.Halt("ban confirmed")
	}, logger)
	defer detector.Stop()

	poller := session.NewPoller(machine, sampler, detector, breaker, driver.Reload, cfg.Browser.PollInterval, logger)

	if banned {
		// A persisted ban flag means this session is burned. The API
		// stays up so the operator can inspect state and clear the
		// flag, but the automation resource is never initialized.
		logger.Error("persisted ban flag set; refusing to initialize the automation resource")
		machine.ForceBanned()
		jobQueue.Pause()
	} else {
		if err := driver.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer driver.Shutdown(context.Background())
		if err := driver.Navigate(ctx, cfg.Chat.BaseURL); err != nil {
			return fmt.Errorf("open chat application: %w", err)
		}

		liveness := session.NewLivenessProbe(driver.Alive, coord.RequestRestart, cfg.Browser.LivenessInterval, logger)
		memory := session.NewMemoryMonitor(driver.MemoryUsageMB, float64(cfg.Browser.MemoryLimitMB), coord.RequestRestart, cfg.Browser.LivenessInterval, logger)

		go poller.Run(ctx)
		go liveness.Run(ctx)
		go memory.Run(ctx)
	}

	go coord.Run(ctx)
	go jobQueue.Run(ctx)

	server := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: api.NewServer(jobQueue, machine, issuer, banRec, logger).Routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("relaygate listening", "addr", cfg.HTTP.ListenAddr, "version", version)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// probeStore verifies store connectivity with exponential backoff. The
// process terminates rather than starting the state machine against an
// unreachable store.
func probeStore(ctx context.Context, store kv.Store, logger *slog.Logger) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := store.Ping(ctx); err != nil {
			logger.Warn("store connectivity probe failed", "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(storeProbeMaxTries),
	)
	return err
}

// browserResource adapts the driver to the coordinator's Resource
// contract: recreate is a full re-bootstrap ending on the chat app's
// root so detection reruns from nothing.
type browserResource struct {
	driver  *browser.Driver
	baseURL string
}

func (r *browserResource) Teardown(ctx context.Context) error {
	return r.driver.Teardown(ctx)
}

func (r *browserResource) Recreate(ctx context.Context) error {
	if err := r.driver.Launch(ctx); err != nil {
		return err
	}
	return r.driver.Navigate(ctx, r.baseURL)
}
