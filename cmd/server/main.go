package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mediamill/internal/config"
	apphttp "mediamill/internal/http"
	"mediamill/internal/registry"
	"mediamill/internal/repository/sqlite"
	"mediamill/internal/service"
	"mediamill/internal/storage"
	"mediamill/internal/supervisor"
	"mediamill/internal/transcode"
	"mediamill/internal/transfer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Convert.Dir, 0o755); err != nil {
		logger.Fatalf("create convert dir: %v", err)
	}

	engine, err := transfer.NewTorrentEngine(cfg.Download.Dir)
	if err != nil {
		logger.Fatalf("start transfer engine: %v", err)
	}
	defer engine.Close()

	reg := registry.New()

	var storageSvc storage.Service
	if cfg.Storage.Bucket != "" {
		storageSvc, err = buildStorage(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
	}

	transferRunner := transfer.NewRunner(engine, reg, transfer.Config{
		PollInterval:    cfg.Transfer.PollInterval,
		MaxPollFailures: cfg.Transfer.MaxPollFailures,
		Logger:          logger,
	})

	transcodeCfg := transcode.Config{
		FFmpegPath:   cfg.Transcode.FFmpegPath,
		FFprobePath:  cfg.Transcode.FFprobePath,
		InputDir:     cfg.Download.Dir,
		OutputDir:    cfg.Convert.Dir,
		AudioBitrate: cfg.Transcode.AudioBitrate,
		Logger:       logger,
	}
	if storageSvc != nil {
		transcodeCfg.Archive = storageSvc
		transcodeCfg.ArchiveOptions = storage.UploadOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		}
	}
	transcodeRunner := transcode.NewRunner(reg, transcodeCfg)

	super := supervisor.New(ctx, reg, transferRunner, transcodeRunner, logger)

	handler := apphttp.NewHandler(reg, super, cfg.Download.Dir, cfg.Convert.Dir)
	if storageSvc != nil {
		handler.WithStorage(storageSvc, cfg.Storage.Bucket)
	}

	if cfg.AuthEnabled() {
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			logger.Fatalf("open database: %v", err)
		}
		defer db.Close()

		userRepo := sqlite.NewUserRepository(db)
		if err := userRepo.Init(ctx); err != nil {
			logger.Fatalf("init user repository: %v", err)
		}
		users := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)
		handler.WithAuth(users, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
		logger.Info("auth enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	super.Shutdown()

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving outputs to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
