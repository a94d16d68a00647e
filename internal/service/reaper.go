package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchparty/pkg/config"
)

type ReaperConfig struct {
	RoomTTL                time.Duration
	RoomSweepInterval      time.Duration
	RateLimitTTL           time.Duration
	RateLimitSweepInterval time.Duration
}

func ReaperConfigFromConfig(cfg config.PartyConfig) ReaperConfig {
	return ReaperConfig{
		RoomTTL:                cfg.RoomTTL,
		RoomSweepInterval:      cfg.RoomSweepInterval,
		RateLimitTTL:           cfg.RateLimitTTL,
		RateLimitSweepInterval: cfg.RateLimitSweepInterval,
	}
}

// Reaper 定期清除閒置過久的房間與過期的連線頻率紀錄。
// 兩種巡檢各自排程、互不影響。
type Reaper struct {
	registry *Registry
	limiter  *RateLimiter
	cfg      ReaperConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReaper(registry *Registry, limiter *RateLimiter, cfg ReaperConfig, logger *zerolog.Logger) *Reaper {
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 4 * time.Hour
	}
	if cfg.RoomSweepInterval <= 0 {
		cfg.RoomSweepInterval = 5 * time.Minute
	}
	if cfg.RateLimitTTL <= 0 {
		cfg.RateLimitTTL = 5 * time.Minute
	}
	if cfg.RateLimitSweepInterval <= 0 {
		cfg.RateLimitSweepInterval = time.Minute
	}
	return &Reaper{
		registry: registry,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger.With().Str("component", "reaper").Logger(),
		now:      time.Now,
	}
}

// Run 啟動兩個巡檢迴圈，直到 ctx 結束
func (rp *Reaper) Run(ctx context.Context) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		rp.loop(ctx, rp.cfg.RoomSweepInterval, func(now time.Time) {
			if n := rp.SweepRooms(now); n > 0 {
				rp.logger.Info().Int("expired", n).Msg("idle rooms expired")
			}
		})
	}()
	go func() {
		defer wg.Done()
		rp.loop(ctx, rp.cfg.RateLimitSweepInterval, func(now time.Time) {
			if n := rp.SweepRateLimits(now); n > 0 {
				rp.logger.Debug().Int("evicted", n).Msg("stale rate-limit entries evicted")
			}
		})
	}()

	rp.logger.Info().
		Dur("roomInterval", rp.cfg.RoomSweepInterval).
		Dur("rateLimitInterval", rp.cfg.RateLimitSweepInterval).
		Msg("reaper started")
	wg.Wait()
	rp.logger.Debug().Msg("reaper stopped")
}

func (rp *Reaper) loop(ctx context.Context, interval time.Duration, sweep func(time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(rp.now())
		}
	}
}

// SweepRooms 讓閒置超過 RoomTTL 的房間過期，回傳過期房間數
func (rp *Reaper) SweepRooms(now time.Time) int {
	expired := 0
	for _, room := range rp.registry.Rooms() {
		clients, ok := room.expire(now, rp.cfg.RoomTTL)
		if !ok {
			continue
		}
		rp.registry.RemoveIfEmpty(room.PartyID)
		for _, c := range clients {
			c.Close()
		}
		expired++
		rp.logger.Info().
			Str("partyId", room.PartyID).
			Int("dropped", len(clients)).
			Msg("room expired")
	}
	return expired
}

func (rp *Reaper) SweepRateLimits(now time.Time) int {
	return rp.limiter.Sweep(now, rp.cfg.RateLimitTTL)
}
