package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"watchparty/internal/models"
	"watchparty/internal/repository"
	"watchparty/pkg/config"
	"watchparty/pkg/playback"
)

const (
	maxMessageRunes = 500
	maxEmojiRunes   = 16
	maxAdmitRetries = 3
)

var (
	ErrPartyNotFound = errors.New("watch party not found")
	ErrPartyExpired  = errors.New("watch party has expired")
	ErrRateLimited   = errors.New("too many connection attempts, retry later")
	ErrUnknownEvent  = errors.New("unknown event")
)

// PartyStore 提供派對紀錄查詢（主持人帳號、電影、到期時間）
type PartyStore interface {
	FindByID(ctx context.Context, id string) (*models.WatchParty, error)
}

// JoinRequest 是連線建立時帶入的識別資料
type JoinRequest struct {
	PartyID  string
	Nickname string
	UserID   string
	// SourceKey 用於連線頻率限制，同一來源的重連會落在同一個 key
	SourceKey string
}

// WatchPartyService 負責連線准入、主持人選舉以及把事件導入房間
type WatchPartyService struct {
	store    PartyStore
	registry *Registry
	limiter  *RateLimiter
	logger   zerolog.Logger
	now      func() time.Time
}

func NewWatchPartyService(store PartyStore, registry *Registry, limiter *RateLimiter, logger *zerolog.Logger) *WatchPartyService {
	return &WatchPartyService{
		store:    store,
		registry: registry,
		limiter:  limiter,
		logger:   logger.With().Str("component", "watch-party").Logger(),
		now:      time.Now,
	}
}

// RoomOptionsFromConfig 將設定轉成房間參數
func RoomOptionsFromConfig(cfg config.PartyConfig) RoomOptions {
	return RoomOptions{
		ChatHistory:      cfg.ChatHistory,
		SnapshotMessages: cfg.SnapshotMessages,
		Throttle:         playback.NewThrottle(cfg.SyncThrottle, cfg.SeekThreshold),
	}
}

func (s *WatchPartyService) Registry() *Registry {
	return s.registry
}

// Join 執行完整的准入流程，成功時回傳這條連線的 Session
func (s *WatchPartyService) Join(ctx context.Context, req JoinRequest, client Client) (*Session, error) {
	logger := s.logger.With().
		Str("partyId", req.PartyID).
		Str("connId", client.ID()).
		Logger()

	now := s.now()
	source := req.SourceKey
	if source == "" {
		source = client.ID()
	}
	if !s.limiter.Allow(req.PartyID, source, now) {
		logger.Debug().Str("source", source).Msg("connection rate limited")
		return nil, ErrRateLimited
	}

	if room, ok := s.registry.Get(req.PartyID); ok && room.hasParticipant(client.ID()) {
		logger.Debug().Msg("duplicate join rejected")
		return nil, ErrDuplicateJoin
	}

	// 外部查詢不持有任何房間鎖
	party, err := s.store.FindByID(ctx, req.PartyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPartyNotFound
		}
		return nil, fmt.Errorf("lookup party %s: %w", req.PartyID, err)
	}
	if party.Expired(now) {
		return nil, ErrPartyExpired
	}

	for attempt := 0; attempt < maxAdmitRetries; attempt++ {
		room, created := s.registry.GetOrCreate(req.PartyID, party.MovieID, s.now())
		p, err := room.admit(client, req.Nickname, req.UserID, party.HostUserID, s.now())
		if errors.Is(err, errRoomClosed) {
			// 房間在取得後剛好被清空，重新取得
			continue
		}
		if err != nil {
			logger.Debug().Err(err).Msg("admission rejected")
			return nil, err
		}

		logger.Info().
			Str("nickname", p.Nickname).
			Bool("isHost", p.IsHost).
			Bool("roomCreated", created).
			Msg("participant admitted")
		return &Session{
			svc:         s,
			room:        room,
			participant: p,
			logger:      logger,
		}, nil
	}
	return nil, errRoomClosed
}

// Room 回傳 partyID 目前的房間（若存在）
func (s *WatchPartyService) Room(partyID string) (*Room, bool) {
	return s.registry.Get(partyID)
}

func (s *WatchPartyService) newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Session 是一條已准入連線與其房間之間的綁定
type Session struct {
	svc         *WatchPartyService
	room        *Room
	participant models.Participant
	logger      zerolog.Logger
}

func (ss *Session) Participant() models.Participant {
	return ss.participant
}

func (ss *Session) Room() *Room {
	return ss.room
}

// HandleEnvelope 把一個客戶端事件導入房間。
// 回傳的錯誤只影響這條連線，不會改變房間狀態。
func (ss *Session) HandleEnvelope(env models.Envelope) error {
	switch env.Event {
	case models.EventSyncVideo:
		var req models.SyncVideoRequest
		if err := decode(env.Data, &req); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		ss.SyncVideo(req)
	case models.EventSendMessage:
		var req models.SendMessageRequest
		if err := decode(env.Data, &req); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		ss.SendMessage(req.Message)
	case models.EventSendReaction:
		var req models.SendReactionRequest
		if err := decode(env.Data, &req); err != nil {
			return fmt.Errorf("decode %s: %w", env.Event, err)
		}
		ss.SendReaction(req.Emoji)
	case models.EventRequestSync:
		ss.RequestSync()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(data, v)
}

// SyncVideo 提出播放狀態更新；非主持人的提案會被靜默忽略
func (ss *Session) SyncVideo(req models.SyncVideoRequest) SyncResult {
	res := ss.room.proposeSync(ss.participant.ID, req, ss.svc.now())
	ev := ss.logger.Debug()
	if res == SyncApplied {
		ev = ss.logger.Trace()
	}
	ev.Stringer("result", res).
		Float64("currentTime", req.CurrentTime).
		Bool("isPlaying", req.IsPlaying).
		Msg("sync proposal")
	return res
}

func (ss *Session) SendMessage(text string) (models.ChatMessage, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, false
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		text = string([]rune(text)[:maxMessageRunes])
	}
	return ss.room.appendChat(ss.participant.ID, ss.svc.newMessageID(), text, ss.svc.now())
}

func (ss *Session) SendReaction(emoji string) bool {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return false
	}
	return ss.room.react(ss.participant.ID, emoji, ss.svc.now())
}

// RequestSync 把同步請求轉給主持人；主持人不在時直接丟棄
func (ss *Session) RequestSync() bool {
	sent := ss.room.requestSync(ss.participant.ID)
	if !sent {
		ss.logger.Debug().Msg("request-sync dropped, no live host")
	}
	return sent
}

// Leave 處理斷線：移除參與者，房間清空時同步從 Registry 刪除
func (ss *Session) Leave() {
	p, empty, ok := ss.room.leave(ss.participant.ID)
	if !ok {
		return
	}
	if empty {
		ss.svc.registry.RemoveIfEmpty(ss.room.PartyID)
		ss.logger.Info().Msg("last participant left, room torn down")
		return
	}
	ss.logger.Info().
		Str("nickname", p.Nickname).
		Bool("wasHost", p.IsHost).
		Msg("participant left")
}
