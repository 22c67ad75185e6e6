package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dropzone/internal/api"
	"dropzone/internal/config"
	fileutil "dropzone/internal/file"
	"dropzone/internal/upload"
	"dropzone/internal/uploader"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	} else {
		zerolog.SetGlobalLevel(level)
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	target, err := buildUploader(baseCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("failed to set up uploader")
	}

	manager := buildManager(cfg, target)
	manager.SetBaseContext(baseCtx)

	router := setupRouter()
	wireAPI(router, manager, cfg)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("backend", cfg.Backend).Msg("dropzone listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, manager, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildUploader(ctx context.Context, cfg config.Config) (upload.Uploader, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		return uploader.NewHTTP(cfg.HTTP.Endpoint, cfg.HTTP.FieldName, cfg.HTTP.Timeout), nil
	case config.BackendS3:
		s3, err := uploader.NewS3(ctx, uploader.S3Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			Prefix:       cfg.S3.Prefix,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	case config.BackendDir:
		return uploader.NewDir(filepath.Join(cfg.DataDir, "uploads")), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func buildManager(cfg config.Config, target upload.Uploader) *upload.Manager {
	opts := upload.Options{
		MaxRetryCount: cfg.MaxRetryCount,
		AutoRetry:     cfg.AutoRetry,
		RetryDelay:    cfg.RetryDelay,
		Validation: upload.Limits{
			Accept:   cfg.Validation.Accept,
			MinSize:  cfg.Validation.MinSize,
			MaxSize:  cfg.Validation.MaxSize,
			MaxFiles: cfg.Validation.MaxFiles,
		},
		ShiftOnMaxFiles:      cfg.ShiftOnMaxFiles,
		MaxConcurrentUploads: cfg.MaxConcurrentUploads,
		OnBatchComplete: func(ids []string) {
			log.Info().Strs("entry_ids", ids).Msg("upload batch settled")
		},
	}
	if len(cfg.ErrorMessages) > 0 {
		opts.ShapeUploadError = uploader.ShapeByStatus(cfg.ErrorMessages)
	}
	return upload.NewManager(target, opts)
}

func wireAPI(router *gin.Engine, m *upload.Manager, cfg config.Config) {
	apiHandler := api.NewAPI(m, cfg.MaxRequestBytes)
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router, api.UIOptions{Limits: m.Limits()})
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, m *upload.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	done := m.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background uploads did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
