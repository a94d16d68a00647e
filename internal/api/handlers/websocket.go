package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"watchparty/internal/middleware"
	"watchparty/internal/models"
	"watchparty/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	lookupTimeout  = 5 * time.Second

	defaultSendBuffer = 256
)

type WebSocketConfig struct {
	SendBuffer int
	// TrustQueryUserID 為 false 時只接受 JWT 帶來的身分，?userId= 會被忽略
	TrustQueryUserID bool
}

// WebSocketHandler 處理觀影派對的 WebSocket 連接
type WebSocketHandler struct {
	svc              *service.WatchPartyService
	upgrader         websocket.Upgrader
	sendBuffer       int
	trustQueryUserID bool
	logger           zerolog.Logger
}

// NewWebSocketHandler 創建一個新的 WebSocketHandler 實例
func NewWebSocketHandler(svc *service.WatchPartyService, cfg WebSocketConfig, logger *zerolog.Logger) *WebSocketHandler {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &WebSocketHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sendBuffer:       sendBuffer,
		trustQueryUserID: cfg.TrustQueryUserID,
		logger:           logger.With().Str("component", "websocket").Logger(),
	}
}

// HandleWebSocket 升級連線、執行准入，之後在連線存活期間轉送事件
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	partyID := c.Param("id")
	nickname := strings.TrimSpace(c.Query("nickname"))
	if partyID == "" || nickname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "partyId and nickname are required"})
		return
	}
	userID := h.identify(c)
	source := userID
	if source == "" {
		source = c.ClientIP() + "|" + nickname
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已經寫回錯誤回應
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(uuid.NewString(), conn, h.sendBuffer, h.logger)
	logger := h.logger.With().
		Str("partyId", partyID).
		Str("connId", client.id).
		Logger()

	ctx, cancel := context.WithTimeout(c.Request.Context(), lookupTimeout)
	session, err := h.svc.Join(ctx, service.JoinRequest{
		PartyID:   partyID,
		Nickname:  nickname,
		UserID:    userID,
		SourceKey: source,
	}, client)
	cancel()
	if err != nil {
		h.reject(conn, err, &logger)
		return
	}

	done := make(chan struct{})
	go func() {
		client.writePump()
		close(done)
	}()
	h.readPump(client, session, &logger)

	session.Leave()
	client.Close()
	<-done
	logger.Debug().Msg("connection closed")
}

// identify 回傳用於主持人選舉的使用者 ID。
// 主持權只能由 token 證明；未驗證的 ?userId= 只在 trustQueryUserID 開啟時採用。
func (h *WebSocketHandler) identify(c *gin.Context) string {
	if id, ok := middleware.UserID(c); ok {
		return id
	}
	if h.trustQueryUserID {
		return strings.TrimSpace(c.Query("userId"))
	}
	return ""
}

// reject 依錯誤類型決定是否先送出 error 事件再關閉
func (h *WebSocketHandler) reject(conn *websocket.Conn, err error, logger *zerolog.Logger) {
	var (
		message   string
		closeCode = websocket.ClosePolicyViolation
	)
	switch {
	case errors.Is(err, service.ErrPartyNotFound):
		message = "找不到這個觀影派對"
	case errors.Is(err, service.ErrPartyExpired):
		message = "這個觀影派對已經結束"
	case errors.Is(err, service.ErrRateLimited), errors.Is(err, service.ErrDuplicateJoin):
		closeCode = websocket.CloseTryAgainLater
	default:
		message = "無法加入觀影派對，請稍後再試"
		closeCode = websocket.CloseInternalServerErr
		logger.Error().Err(err).Msg("admission failed")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if message != "" {
		if env, encErr := models.NewEnvelope(models.EventError, models.ErrorPayload{Message: message}); encErr == nil {
			if wErr := conn.WriteJSON(env); wErr != nil {
				logger.Debug().Err(wErr).Msg("failed to write error event")
			}
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, err.Error()))
	_ = conn.Close()
	logger.Debug().Err(err).Msg("connection rejected")
}

// readPump 持續讀取客戶端事件，直到連線中斷
func (h *WebSocketHandler) readPump(client *wsClient, session *service.Session, logger *zerolog.Logger) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket unexpected close")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn().Err(err).Msg("message parse error")
			continue
		}
		if err := session.HandleEnvelope(env); err != nil {
			logger.Debug().Err(err).Str("event", env.Event).Msg("event rejected")
		}
	}
}

// wsClient 以有緩衝的佇列實作 service.Client，實際寫入由 writePump 負責
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan models.Envelope
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newWSClient(id string, conn *websocket.Conn, buffer int, logger zerolog.Logger) *wsClient {
	return &wsClient{
		id:     id,
		conn:   conn,
		send:   make(chan models.Envelope, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("connId", id).Logger(),
	}
}

func (c *wsClient) ID() string {
	return c.id
}

// Send 只放進佇列；佇列滿代表客戶端跟不上，直接斷線
func (c *wsClient) Send(env models.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- env:
		return true
	default:
		c.logger.Warn().Str("event", env.Event).Msg("send buffer full, dropping connection")
		c.Close()
		return false
	}
}

// Close 要求 writePump 送完佇列中的事件後關閉連線，可重複呼叫
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *wsClient) flush() {
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsClient) write(env models.Envelope) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		_ = w.Close()
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Close()
}
