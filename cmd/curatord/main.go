package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/api"
	"github.com/vidcurate/curatord/internal/cache"
	"github.com/vidcurate/curatord/internal/config"
	"github.com/vidcurate/curatord/internal/corpus"
	"github.com/vidcurate/curatord/internal/db"
	"github.com/vidcurate/curatord/internal/export"
	"github.com/vidcurate/curatord/internal/logging"
	"github.com/vidcurate/curatord/internal/remote"
	"github.com/vidcurate/curatord/internal/run"
	"github.com/vidcurate/curatord/internal/sink"
	"github.com/vidcurate/curatord/internal/ui"
)

var Version = "0.1.0"

func main() {
	if err := realMain(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func realMain() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	artifactsDir := filepath.Join(cfg.DataDir(), "artifacts")
	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting curator", "version", Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := run.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                      CURATOR v0.1.0                       ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	required, mandatory, err := parseAnnotatorSets(cfg)
	if err != nil {
		return err
	}

	store := cache.NewStore(database.Conn(), logger)

	recordSink, err := sink.New(database.Conn(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sink: %w", err)
	}
	cp := recordSink.Checkpoint()
	logger.Info("checkpoint loaded", "cursor", cp.Cursor, "committed_above", len(cp.Committed))

	invoker, err := annotate.NewSubprocessInvoker(annotate.Config{
		PythonPath:    cfg.AnnotatorsPython(),
		ModuleName:    cfg.AnnotatorsModule(),
		ArtifactsBase: artifactsDir,
		DoctorTimeout: cfg.AnnotatorTimeoutDoctor(),
		GPUTimeout:    cfg.AnnotatorTimeoutGPU(),
		CPUTimeout:    cfg.AnnotatorTimeoutCPU(),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("annotator environment unavailable: %w", err)
	}
	doctor := annotate.NewCachedDoctor(invoker, logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), cfg.AnnotatorTimeoutDoctor())
	defer initCancel()
	if caps, err := doctor.Refresh(initCtx); err != nil {
		logger.Warn("initial annotator probe failed", "error", err)
	} else {
		available := 0
		for _, kind := range annotate.AllKinds {
			if caps.Has(kind) {
				available++
			}
		}
		logger.Info("annotator capabilities detected",
			"available", fmt.Sprintf("%d/%d", available, len(annotate.AllKinds)),
			"gpu", caps.GPU.CUDAAvailable,
		)
	}

	var decoder corpus.Decoder
	if d, err := corpus.NewFFmpegDecoder(logger); err != nil {
		logger.Warn("ffmpeg unavailable, clip decoding disabled", "error", err)
		decoder = corpus.NewStubDecoder(logger)
	} else {
		decoder = d
	}

	var remoteClient remote.Client
	if cfg.RemoteEnabled() && cfg.RemoteBaseURL() != "" && cfg.RemoteToken() != "" {
		remoteClient = remote.NewHTTPClient(cfg.RemoteBaseURL(), cfg.RemoteToken(), cfg.RemoteDataset(), logger)
		logger.Info("remote publishing enabled", "base_url", cfg.RemoteBaseURL(), "dataset", cfg.RemoteDataset())
	}

	orchestrator := run.NewOrchestrator(run.OrchestratorConfig{
		Repo:        repo,
		Doctor:      doctor,
		Cache:       store,
		Sink:        recordSink,
		Invoker:     invoker,
		Decoder:     decoder,
		Remote:      remoteClient,
		Required:    required,
		Mandatory:   mandatory,
		MaxRetries:  cfg.MaxRetries(),
		BackoffBase: cfg.BackoffBase(),
		GPUWorkers:  cfg.GPUWorkers(),
		CPUWorkers:  cfg.CPUWorkers(),
		Logger:      logger,
	})

	apiServer := api.NewServer(api.ServerConfig{
		Port:         cfg.Port(),
		Orchestrator: orchestrator,
		Repository:   repo,
		Sink:         recordSink,
		Cache:        store,
		Doctor:       doctor,
		Exporter:     export.NewExporter(recordSink, logger),
		Logger:       logger,
		StartTime:    startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Orchestrator: orchestrator,
			Logger:       logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	orchestrator.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func parseAnnotatorSets(cfg config.Config) ([]annotate.Kind, []annotate.Kind, error) {
	var required, mandatory []annotate.Kind
	for _, name := range cfg.RequiredAnnotators() {
		kind, err := annotate.ParseKind(name)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid required annotator: %w", err)
		}
		required = append(required, kind)
	}
	for _, name := range cfg.MandatoryAnnotators() {
		kind, err := annotate.ParseKind(name)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid mandatory annotator: %w", err)
		}
		mandatory = append(mandatory, kind)
	}
	return required, mandatory, nil
}

func ensureAuthToken(repo run.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
