package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/permachain/attest-writer/internal/adminws"
	"github.com/permachain/attest-writer/internal/alert"
	"github.com/permachain/attest-writer/internal/bundler"
	"github.com/permachain/attest-writer/internal/cleanup"
	"github.com/permachain/attest-writer/internal/finalizer"
	"github.com/permachain/attest-writer/internal/index"
	"github.com/permachain/attest-writer/internal/manifest"
	"github.com/permachain/attest-writer/internal/notify"
	"github.com/permachain/attest-writer/internal/orchestrator"
	pnats "github.com/permachain/attest-writer/internal/platform/nats"
	"github.com/permachain/attest-writer/internal/platform/storage"
	"github.com/permachain/attest-writer/internal/signer"
	"github.com/permachain/attest-writer/internal/uploader"
	"github.com/permachain/attest-writer/internal/verifier"
	"github.com/permachain/attest-writer/internal/wallet"
	"github.com/redis/go-redis/v9"
)

func main() {
	var cfg Config
	flag.StringVar(&cfg.ListenAddr, "listen", envOrDefault("LISTEN_ADDR", ":8090"), "HTTP listen address")
	flag.StringVar(&cfg.AdminSecret, "admin-secret", os.Getenv("ADMIN_SECRET"), "bearer token required on admin endpoints; empty disables auth")
	flag.StringVar(&cfg.WalletKeyHex, "wallet-key", os.Getenv("WALLET_PRIVATE_KEY"), "hex-encoded signing key")
	flag.StringVar(&cfg.GatewayURL, "gateway-url", envOrDefault("GATEWAY_URL", "https://arweave.net"), "storage gateway base URL")
	flag.StringVar(&cfg.AlertWebhookURL, "alert-webhook", os.Getenv("ALERT_WEBHOOK_URL"), "operator webhook for alert delivery")
	flag.StringVar(&cfg.KafkaBrokers, "kafka-brokers", os.Getenv("KAFKA_BROKERS"), "comma-separated Kafka brokers for the alert paging sink; empty disables it")
	flag.StringVar(&cfg.NATSURL, "nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL for head-advance notifications")
	flag.StringVar(&cfg.MinIOEndpoint, "minio-endpoint", os.Getenv("MINIO_ENDPOINT"), "manifest store endpoint; empty uses an in-memory manifest source")
	flag.StringVar(&cfg.MinIOBucket, "minio-bucket", envOrDefault("MINIO_BUCKET", "manifests"), "manifest store bucket")
	flag.StringVar(&cfg.MinIOAccessKey, "minio-access-key", os.Getenv("MINIO_ACCESS_KEY"), "manifest store access key")
	flag.StringVar(&cfg.MinIOSecretKey, "minio-secret-key", os.Getenv("MINIO_SECRET_KEY"), "manifest store secret key")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", envOrDefault("REDIS_ADDR", "localhost:6379"), "Redis address backing the lookup index")
	flag.StringVar(&cfg.Mode, "mode", envOrDefault("UPLOAD_MODE", "bundle"), "upload mode: bundle or direct")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", envOrDefaultDuration("TICK_INTERVAL", time.Minute), "interval between processing ticks")
	flag.StringVar(&cfg.ThresholdsFile, "thresholds-file", os.Getenv("THRESHOLDS_FILE"), "optional YAML file overriding bundle/retry/balance thresholds")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// Config holds every external dependency attest-writer wires at startup.
type Config struct {
	ListenAddr      string
	AdminSecret     string
	WalletKeyHex    string
	GatewayURL      string
	AlertWebhookURL string
	KafkaBrokers    string
	NATSURL         string
	MinIOEndpoint   string
	MinIOBucket     string
	MinIOAccessKey  string
	MinIOSecretKey  string
	RedisAddr       string
	Mode            string
	TickInterval    time.Duration
	ThresholdsFile  string
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	thresholds, err := LoadThresholds(cfg.ThresholdsFile)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}

	db, err := storage.New(ctx, storage.DefaultConfig())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	queue := storage.NewQueueStore(db)
	head := storage.NewChainHeadStore(db)
	bundles := storage.NewTrackedBundleStore(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	idx := index.New(redisClient)

	var src manifest.Source
	if cfg.MinIOEndpoint != "" {
		minioSrc, err := manifest.NewMinIOSource(ctx, manifest.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			Bucket:    cfg.MinIOBucket,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
		})
		if err != nil {
			return fmt.Errorf("connect manifest store: %w", err)
		}
		src = minioSrc
	} else {
		logger.Warn("MINIO_ENDPOINT not set, manifest source is in-memory and empty")
		src = manifest.NewMemSource()
	}

	w, err := loadWallet(cfg.WalletKeyHex)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	logger.Info("wallet loaded", "address", w.Address())

	s := signer.New(w, src, idx, logger)

	gw := uploader.NewHTTPGateway(cfg.GatewayURL, thresholds.UploadTimeout)
	uploadCfg := uploader.DefaultConfig()
	uploadCfg.Concurrency = thresholds.Concurrency
	uploadCfg.MaxRetries = thresholds.MaxRetries
	up := uploader.New(gw, uploadCfg, logger)

	fin := finalizer.New(db, queue, head, bundles, idx, storage.DefaultChainKey, logger)

	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.StuckThreshold = thresholds.StuckThreshold
	cleanupCfg.MaxRetries = int32(thresholds.MaxRetries)
	cj := cleanup.New(queue, cleanupCfg, logger)

	var kafkaClient *kgo.Client
	if cfg.KafkaBrokers != "" {
		kafkaClient, err = kgo.NewClient(kgo.SeedBrokers(strings.Split(cfg.KafkaBrokers, ",")...))
		if err != nil {
			logger.Warn("kafka client init failed, alert paging sink disabled", "error", err)
			kafkaClient = nil
		}
	}
	alertCfg := alert.DefaultConfig()
	alertCfg.WebhookURL = cfg.AlertWebhookURL
	if kafkaClient == nil {
		alertCfg.KafkaTopic = ""
	}
	alerter := alert.New(alertCfg, kafkaClient, logger)

	verifierCfg := verifier.DefaultConfig()
	verifierCfg.GracePeriod = thresholds.SeedGracePeriod
	verifierCfg.Timeout = thresholds.SeedTimeout
	ver := verifier.New(bundles, queue, gw, alerter, verifierCfg, logger)

	balanceChecker := wallet.NewGatewayBalanceChecker(cfg.GatewayURL, 10*time.Second)

	var notifier *notify.Notifier
	natsCfg := pnats.DefaultConfig()
	natsCfg.URL = cfg.NATSURL
	natsClient, err := pnats.Connect(ctx, natsCfg)
	if err != nil {
		logger.Warn("NATS connect failed, head-advance notifications disabled", "error", err)
	} else {
		if err := notify.EnsureStream(ctx, natsClient); err != nil {
			logger.Warn("NATS stream setup failed, head-advance notifications disabled", "error", err)
		} else {
			notifier = notify.New(natsClient)
		}
	}

	hub := adminws.NewHub(nil, logger)

	testSrc := manifest.NewMemSource()
	testSigner := signer.New(w, testSrc, idx, logger)
	testFin := finalizer.New(db, queue, head, bundles, idx, testChainKey, logger)

	orchMode := orchestrator.ModeBundle
	if cfg.Mode == "direct" {
		orchMode = orchestrator.ModeDirect
	}
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Mode = orchMode
	orchCfg.BatchSize = thresholds.BatchSize
	orchCfg.WalletAddress = w.Address()
	orchCfg.Retention = thresholds.RetentionWindow
	orchCfg.Thresholds = wallet.Thresholds{
		Critical: bigFromString(thresholds.CriticalBalance),
		Warning:  bigFromString(thresholds.WarningBalance),
	}
	orchCfg.BundleThresholds = bundler.Thresholds{
		SizeThreshold: thresholds.BundleSizeThreshold,
		TimeThreshold: thresholds.BundleTimeThreshold,
		MaxBundleSize: thresholds.MaxBundleSize,
	}

	orch := orchestrator.New(orchCfg, orchestrator.Params{
		Queue: queue, Head: head, Bundles: bundles,
		Signer: s, Uploader: up, Finalizer: fin, Cleanup: cj, Verifier: ver,
		Balance: balanceChecker, Alerter: alerter, Notifier: notifier, Hub: hub,
	}, logger)

	srv := NewServer(cfg, orch, queue, head, bundles, hub, w, logger, testSigner, testFin, up, testSrc,
		orchCfg.BatchSize, orchCfg.Thresholds)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()
	dailyTicker := time.NewTicker(24 * time.Hour)
	defer dailyTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := srv.runTick(ctx); err != nil {
					logger.Error("tick failed", "error", err)
				}
			case <-dailyTicker.C:
				if err := orch.DailyMaintenance(ctx); err != nil {
					logger.Error("daily maintenance failed", "error", err)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("starting attest-writer", "addr", cfg.ListenAddr, "mode", cfg.Mode)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func bigFromString(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func loadWallet(hexKey string) (*wallet.Wallet, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required")
	}
	return wallet.FromHex(hexKey)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
