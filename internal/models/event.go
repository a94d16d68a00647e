package models

import (
	"encoding/json"
	"time"
)

// 伺服器 -> 客戶端事件
const (
	EventWatchPartyJoined  = "watch-party-joined"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventVideoSync         = "video-sync"
	EventRequestSync       = "request-sync"
	EventNewMessage        = "new-message"
	EventNewReaction       = "new-reaction"
	EventPartyEnded        = "party-ended"
	EventError             = "error"
)

// 客戶端 -> 伺服器事件
const (
	EventSyncVideo    = "sync-video"
	EventSendMessage  = "send-message"
	EventSendReaction = "send-reaction"
	// EventRequestSync 雙向共用
)

const PartyEndedReasonExpired = "expired"

// Envelope 是 WebSocket 上每一個訊框的外層結構
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope 將 payload 編碼後包裝成 Envelope
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Participant 是房間內一條連線的公開資料
type Participant struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	JoinedAt time.Time `json:"joinedAt"`
	IsHost   bool      `json:"isHost"`
}

// PlaybackState 是房間共享的播放時鐘
type PlaybackState struct {
	CurrentTime   float64   `json:"currentTime"`
	IsPlaying     bool      `json:"isPlaying"`
	PlaybackSpeed float64   `json:"playbackSpeed"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type JoinedPayload struct {
	PartyID        string        `json:"partyId"`
	ParticipantID  string        `json:"participantId"`
	IsHost         bool          `json:"isHost"`
	Participants   []Participant `json:"participants"`
	CurrentTime    float64       `json:"currentTime"`
	IsPlaying      bool          `json:"isPlaying"`
	PlaybackSpeed  float64       `json:"playbackSpeed"`
	RecentMessages []ChatMessage `json:"recentMessages"`
}

type ParticipantJoinedPayload struct {
	Participant Participant `json:"participant"`
}

type ParticipantLeftPayload struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
}

type VideoSyncPayload struct {
	CurrentTime   float64 `json:"currentTime"`
	IsPlaying     bool    `json:"isPlaying"`
	PlaybackSpeed float64 `json:"playbackSpeed,omitempty"`
	From          string  `json:"from"`
}

type RequestSyncPayload struct {
	From     string `json:"from"`
	Nickname string `json:"nickname"`
}

type ReactionPayload struct {
	Emoji     string    `json:"emoji"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"`
}

type PartyEndedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// SyncVideoRequest 是 sync-video 的客戶端輸入；PlaybackSpeed 可省略
type SyncVideoRequest struct {
	CurrentTime   float64  `json:"currentTime"`
	IsPlaying     bool     `json:"isPlaying"`
	PlaybackSpeed *float64 `json:"playbackSpeed,omitempty"`
}

type SendMessageRequest struct {
	Message string `json:"message"`
}

type SendReactionRequest struct {
	Emoji string `json:"emoji"`
}
