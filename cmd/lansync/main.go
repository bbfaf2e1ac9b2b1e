package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/admission"
	"github.com/ssd-technologies/lansync/internal/config"
	"github.com/ssd-technologies/lansync/internal/lan"
	"github.com/ssd-technologies/lansync/internal/server"
	"github.com/ssd-technologies/lansync/internal/state"
	"github.com/ssd-technologies/lansync/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("lansync stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewDB(filepath.Join(cfg.DataDir, "settings.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	serverID, err := loadServerID(db)
	if err != nil {
		return err
	}
	computerName, _ := os.Hostname()
	st := state.New(state.Config{
		ServerID:          serverID,
		ComputerName:      computerName,
		User:              cfg.User,
		BroadcastInterval: cfg.BroadcastInterval,
	})
	settings, err := db.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	st.Restore(settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := lan.Listen(":"+strconv.Itoa(cfg.UDPPort), logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	var node *lan.Node
	srv := server.New(server.Config{
		Port:           cfg.HTTPPort,
		DefaultStorage: cfg.DefaultStorage,
		State:          st,
		DB:             db,
		Admission: admission.NewChecker(admission.Config{
			DefaultRoot:  cfg.DefaultStorage,
			MinFreeBytes: cfg.MinFreeBytes,
			Logger:       logger,
		}),
		VCRBatchMaxItems: cfg.VCRBatchMaxItems,
		VCRBatchMaxWait:  cfg.VCRBatchMaxWait,
		SettingsChanged: func(ctx context.Context) {
			if err := node.PushHostInfo(ctx); err != nil {
				logger.Warn("push host info", zap.Error(err))
			}
		},
		Logger: logger,
	})
	defer srv.Close()
	srv.StartWorkers(ctx)

	node = lan.NewNode(lan.Config{
		State:             st,
		Transport:         transport,
		HTTPPort:          cfg.HTTPPort,
		BroadcastInterval: cfg.BroadcastInterval,
		PruneInterval:     cfg.PruneInterval,
		HostProjects:      srv.HostProjects,
		DiskUsage:         admission.Usage,
		Logger:            logger,
	})
	node.Start(ctx)
	defer node.Stop()

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("lansync running",
		zap.String("serverId", serverID),
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("udpPort", cfg.UDPPort),
		zap.String("storage", cfg.DefaultStorage))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadServerID returns the persisted server id, generating one on first run.
func loadServerID(db *storage.DB) (string, error) {
	id, ok, err := db.GetSetting(storage.KeyServerID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := db.SetSetting(storage.KeyServerID, id); err != nil {
		return "", err
	}
	return id, nil
}
