package service

import (
	"github.com/rs/zerolog"

	"watchparty/internal/repository"
	"watchparty/pkg/config"
)

type Services struct {
	WatchParty *WatchPartyService
	Reaper     *Reaper
	Parties    repository.PartyRepository
}

func NewServices(repos *repository.Repositories, cfg config.PartyConfig, logger *zerolog.Logger) *Services {
	registry := NewRegistry(RoomOptionsFromConfig(cfg))
	limiter := NewRateLimiter(cfg.RateLimitWindow)

	return &Services{
		WatchParty: NewWatchPartyService(repos.Party, registry, limiter, logger),
		Reaper:     NewReaper(registry, limiter, ReaperConfigFromConfig(cfg), logger),
		Parties:    repos.Party,
	}
}
