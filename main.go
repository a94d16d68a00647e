package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"watchparty/internal/api"
	"watchparty/internal/models"
	"watchparty/internal/repository"
	"watchparty/internal/service"
	"watchparty/internal/storage"
	"watchparty/pkg/config"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// 載入應用程式配置：config.yaml、WATCHPARTY_ 環境變數與命令列參數
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	cfg, err := config.Load(fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse log level")
	}
	logger = logger.Level(lvl)
	if cfg.Party.TrustQueryUserID {
		logger.Warn().Msg("party.trust_query_user_id is on, any client can claim a user id")
	}
	if cfg.JWT.Secret == "" {
		logger.Warn().Msg("jwt.secret is empty, tokens can be forged")
	}

	// 初始化資料庫連接
	db, err := storage.NewPostgresDB(cfg.DB)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close database")
		}
	}()

	if err := db.AutoMigrate(&models.WatchParty{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto migrate database")
	}

	repos := repository.NewRepositories(db)
	services := service.NewServices(repos, cfg.Party, &logger)

	if lvl > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	api.SetupRoutes(r, services, api.RouteConfig{
		JWTSecret:        []byte(cfg.JWT.Secret),
		SendBuffer:       cfg.Party.SendBuffer,
		TrustQueryUserID: cfg.Party.TrustQueryUserID,
	}, &logger)

	srv := api.NewServer(cfg.Server.Address, r, &logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(2)
	go srv.Run(ctx, wg, errc)
	go func() {
		defer wg.Done()
		services.Reaper.Run(ctx)
	}()

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
