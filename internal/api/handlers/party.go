package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"watchparty/internal/middleware"
	"watchparty/internal/models"
	"watchparty/internal/repository"
	"watchparty/internal/service"
)

const defaultPartyLifetime = 24 * time.Hour

// PartyHandler 處理派對紀錄的建立與即時狀態查詢
type PartyHandler struct {
	parties repository.PartyRepository
	svc     *service.WatchPartyService
	logger  zerolog.Logger
}

// NewPartyHandler 創建一個新的 PartyHandler 實例
func NewPartyHandler(parties repository.PartyRepository, svc *service.WatchPartyService, logger *zerolog.Logger) *PartyHandler {
	return &PartyHandler{
		parties: parties,
		svc:     svc,
		logger:  logger.With().Str("component", "party-api").Logger(),
	}
}

// CreatePartyInput 定義建立派對請求的結構
type CreatePartyInput struct {
	MovieID          string `json:"movieId" binding:"required"`
	ExpiresInMinutes int    `json:"expiresInMinutes" binding:"gte=0"`
}

// CreateParty 由已登入的使用者建立派對，建立者即為主持人
func (h *PartyHandler) CreateParty(c *gin.Context) {
	var input CreatePartyInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	lifetime := defaultPartyLifetime
	if input.ExpiresInMinutes > 0 {
		lifetime = time.Duration(input.ExpiresInMinutes) * time.Minute
	}
	party := &models.WatchParty{
		ID:         uuid.NewString(),
		HostUserID: userID,
		MovieID:    input.MovieID,
		ExpiresAt:  time.Now().Add(lifetime),
	}
	if err := h.parties.Create(c.Request.Context(), party); err != nil {
		h.logger.Error().Err(err).Msg("failed to create party")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "建立觀影派對失敗"})
		return
	}

	h.logger.Info().
		Str("partyId", party.ID).
		Str("hostUserId", userID).
		Msg("party created")
	c.JSON(http.StatusCreated, party)
}

// GetParty 回傳派對紀錄與目前房間的即時狀態
func (h *PartyHandler) GetParty(c *gin.Context) {
	partyID := c.Param("id")
	party, err := h.parties.FindByID(c.Request.Context(), partyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "觀影派對不存在"})
			return
		}
		h.logger.Error().Err(err).Str("partyId", partyID).Msg("failed to load party")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查詢觀影派對失敗"})
		return
	}

	resp := gin.H{
		"party": newPartyView(party),
		"live":  false,
	}
	if room, ok := h.svc.Room(partyID); ok {
		resp["live"] = true
		resp["room"] = room.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// PartyView 是公開查詢的派對資料，不含主持人帳號
type PartyView struct {
	ID        string    `json:"partyId"`
	MovieID   string    `json:"movieId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func newPartyView(p *models.WatchParty) PartyView {
	return PartyView{
		ID:        p.ID,
		MovieID:   p.MovieID,
		ExpiresAt: p.ExpiresAt,
		CreatedAt: p.CreatedAt,
	}
}

// Health 基本的健康檢查
func (h *PartyHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rooms":  h.svc.Registry().Len(),
	})
}
