package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"contenthistory/internal/app"
	"contenthistory/internal/config"
	"contenthistory/internal/export"
	"contenthistory/internal/gitrepo"
	"contenthistory/internal/logging"
	"contenthistory/internal/policy"
	"contenthistory/internal/search"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, log, err := setup(*configPath, os.Stdout)
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("startup")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.OpenRuntime(ctx, cfg, log, true)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}
	defer rt.Close()

	if cfg.PolicyFile != "" {
		go func() {
			if err := policy.Watch(ctx, cfg.PolicyFile, rt.Policy, log); err != nil {
				log.Error().Err(err).Msg("policy watcher stopped")
			}
		}()
	}

	if err := os.MkdirAll(cfg.GitDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create git export dir")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewSQLSearcher(rt.Store), log)
	go searchService.ReindexAll(ctx)

	var archive *export.Archive
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err = export.NewArchive(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatal().Err(err).Msg("minio client")
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.MinioBucket).Msg("export archive disabled")
			archive = nil
		}
	}

	deps := app.Deps{
		Store:   rt.Store,
		Engine:  rt.Engine,
		Content: rt.Content,
		Policy:  rt.Policy,
		Search:  searchService,
		Exports: export.NewService(rt.Store, archive, log),
		Git:     gitrepo.New(cfg.GitDir),
	}
	if rt.Cache != nil {
		deps.Cache = rt.Cache
	}
	service := app.NewService(deps, app.Options{
		AuthorsTop:   cfg.AuthorsTop,
		TimelineDays: cfg.TimelineDays,
		Location:     cfg.Location(),
	}, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("dialect", string(rt.Dialect)).Msg("history API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// setup loads the configuration and builds the service logger.
func setup(configPath string, w io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, w)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}
