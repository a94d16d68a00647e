package service

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"watchparty/internal/models"
	"watchparty/pkg/playback"
)

var (
	ErrDuplicateJoin = errors.New("connection already joined this party")
	errRoomClosed    = errors.New("room closed")
)

// Client 代表一條已接上的連線。Send 只能把事件放進佇列，不可阻塞。
type Client interface {
	ID() string
	Send(env models.Envelope) bool
	Close()
}

// SyncResult 描述一次 sync-video 提案的處理結果
type SyncResult int

const (
	SyncApplied SyncResult = iota
	SyncNotMember
	SyncNotHost
	SyncThrottled
	SyncInvalid
)

func (r SyncResult) String() string {
	switch r {
	case SyncApplied:
		return "applied"
	case SyncNotMember:
		return "not-member"
	case SyncNotHost:
		return "not-host"
	case SyncThrottled:
		return "throttled"
	case SyncInvalid:
		return "invalid"
	}
	return "unknown"
}

type RoomOptions struct {
	ChatHistory      int
	SnapshotMessages int
	Throttle         playback.Throttle
}

type member struct {
	models.Participant
	client Client
}

// Room 是單一觀影派對的即時狀態。所有欄位的讀寫都必須持有 mu。
type Room struct {
	PartyID string
	MovieID string

	mu           sync.Mutex
	hostConnID   string
	participants map[string]*member
	playback     models.PlaybackState
	chat         []models.ChatMessage
	opts         RoomOptions

	// closed 在參與者清空或過期後設為 true，之後的加入一律改建新房間
	closed atomic.Bool
}

func NewRoom(partyID, movieID string, opts RoomOptions, now time.Time) *Room {
	if opts.ChatHistory <= 0 {
		opts.ChatHistory = 100
	}
	if opts.SnapshotMessages <= 0 {
		opts.SnapshotMessages = 10
	}
	opts.Throttle = playback.NewThrottle(opts.Throttle.Window, opts.Throttle.SeekThreshold)
	return &Room{
		PartyID:      partyID,
		MovieID:      movieID,
		participants: make(map[string]*member),
		playback: models.PlaybackState{
			PlaybackSpeed: 1,
			LastUpdatedAt: now,
		},
		opts: opts,
	}
}

func (r *Room) isClosed() bool {
	return r.closed.Load()
}

func (r *Room) hasParticipant(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[connID]
	return ok
}

// admit 在同一個臨界區內完成重複檢查、主持人選舉與加入，
// 然後送出完整快照給新連線並通知其他人。
func (r *Room) admit(client Client, nickname, userID, hostUserID string, now time.Time) (models.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed() {
		return models.Participant{}, errRoomClosed
	}
	connID := client.ID()
	if _, ok := r.participants[connID]; ok {
		return models.Participant{}, ErrDuplicateJoin
	}

	isHost := false
	switch {
	case userID != "" && userID == hostUserID:
		// 同一主持人帳號開第二條連線時，已在線的那條保有主持權
		isHost = r.hostConnID == "" || r.participants[r.hostConnID] == nil
	case hostUserID == "" && len(r.participants) == 0:
		isHost = true
	}

	p := models.Participant{
		ID:       connID,
		Nickname: nickname,
		JoinedAt: now,
		IsHost:   isHost,
	}
	r.participants[connID] = &member{Participant: p, client: client}
	if isHost {
		r.hostConnID = connID
	}

	if env, ok := envelope(models.EventWatchPartyJoined, r.joinedPayloadLocked(p)); ok {
		client.Send(env)
	}
	if env, ok := envelope(models.EventParticipantJoined, models.ParticipantJoinedPayload{Participant: p}); ok {
		r.broadcastLocked(env, connID)
	}
	return p, nil
}

func (r *Room) joinedPayloadLocked(self models.Participant) models.JoinedPayload {
	participants := make([]models.Participant, 0, len(r.participants))
	for _, m := range r.participants {
		participants = append(participants, m.Participant)
	}
	return models.JoinedPayload{
		PartyID:        r.PartyID,
		ParticipantID:  self.ID,
		IsHost:         self.IsHost,
		Participants:   participants,
		CurrentTime:    r.playback.CurrentTime,
		IsPlaying:      r.playback.IsPlaying,
		PlaybackSpeed:  r.playback.PlaybackSpeed,
		RecentMessages: r.recentMessagesLocked(r.opts.SnapshotMessages),
	}
}

func (r *Room) recentMessagesLocked(n int) []models.ChatMessage {
	if n > len(r.chat) {
		n = len(r.chat)
	}
	out := make([]models.ChatMessage, n)
	copy(out, r.chat[len(r.chat)-n:])
	return out
}

// leave 移除參與者。房間清空時標記為 closed 並回傳 empty=true，
// 呼叫端必須立刻從 Registry 移除。
func (r *Room) leave(connID string) (p models.Participant, empty bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[connID]
	if !ok {
		return models.Participant{}, false, false
	}
	delete(r.participants, connID)
	if r.hostConnID == connID {
		// 不重新選舉，房間在原主持人回來之前沒有主持權
		r.hostConnID = ""
	}

	if len(r.participants) == 0 {
		r.closed.Store(true)
		return m.Participant, true, true
	}

	if env, ok := envelope(models.EventParticipantLeft, models.ParticipantLeftPayload{
		ParticipantID: connID,
		Nickname:      m.Nickname,
	}); ok {
		r.broadcastLocked(env, "")
	}
	return m.Participant, false, true
}

// proposeSync 套用主持人權限與節流規則，成功時廣播給提案者以外的所有人
func (r *Room) proposeSync(connID string, req models.SyncVideoRequest, now time.Time) SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[connID]
	if !ok {
		return SyncNotMember
	}
	if !m.IsHost || r.hostConnID != connID {
		return SyncNotHost
	}

	speed := r.playback.PlaybackSpeed
	if req.PlaybackSpeed != nil {
		speed = *req.PlaybackSpeed
	}
	if !playback.Valid(req.CurrentTime, speed) {
		return SyncInvalid
	}

	next := models.PlaybackState{
		CurrentTime:   req.CurrentTime,
		IsPlaying:     req.IsPlaying,
		PlaybackSpeed: speed,
		LastUpdatedAt: now,
	}
	if !r.opts.Throttle.Allow(r.playback, next, now) {
		return SyncThrottled
	}
	r.playback = next

	if env, ok := envelope(models.EventVideoSync, models.VideoSyncPayload{
		CurrentTime:   next.CurrentTime,
		IsPlaying:     next.IsPlaying,
		PlaybackSpeed: next.PlaybackSpeed,
		From:          connID,
	}); ok {
		r.broadcastLocked(env, connID)
	}
	return SyncApplied
}

// requestSync 只轉發給目前的主持人連線；沒有主持人時回傳 false
func (r *Room) requestSync(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[connID]
	if !ok || r.hostConnID == "" || r.hostConnID == connID {
		return false
	}
	host, ok := r.participants[r.hostConnID]
	if !ok {
		return false
	}
	env, ok := envelope(models.EventRequestSync, models.RequestSyncPayload{From: connID, Nickname: m.Nickname})
	if !ok {
		return false
	}
	return host.client.Send(env)
}

// appendChat 寫入聊天紀錄（超過上限時淘汰最舊的）並廣播給包含發送者在內的所有人
func (r *Room) appendChat(connID, id, text string, now time.Time) (models.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[connID]
	if !ok {
		return models.ChatMessage{}, false
	}
	msg := models.ChatMessage{
		ID:        id,
		Nickname:  m.Nickname,
		Message:   text,
		Timestamp: now,
	}
	if len(r.chat) >= r.opts.ChatHistory {
		n := copy(r.chat, r.chat[len(r.chat)-r.opts.ChatHistory+1:])
		r.chat = r.chat[:n]
	}
	r.chat = append(r.chat, msg)

	if env, ok := envelope(models.EventNewMessage, msg); ok {
		r.broadcastLocked(env, "")
	}
	return msg, true
}

// react 只做廣播，不寫入任何狀態
func (r *Room) react(connID, emoji string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[connID]
	if !ok {
		return false
	}
	env, ok := envelope(models.EventNewReaction, models.ReactionPayload{
		Emoji:     emoji,
		From:      m.Nickname,
		Timestamp: now,
	})
	if ok {
		r.broadcastLocked(env, "")
	}
	return ok
}

// expire 在閒置超過 ttl 時通知所有人派對結束、清空參與者，並回傳需要關閉的連線
func (r *Room) expire(now time.Time, ttl time.Duration) ([]Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed() || now.Sub(r.playback.LastUpdatedAt) <= ttl {
		return nil, false
	}

	if env, ok := envelope(models.EventPartyEnded, models.PartyEndedPayload{
		Reason:  models.PartyEndedReasonExpired,
		Message: "觀影派對閒置過久，已自動結束",
	}); ok {
		r.broadcastLocked(env, "")
	}

	clients := make([]Client, 0, len(r.participants))
	for id, m := range r.participants {
		clients = append(clients, m.client)
		delete(r.participants, id)
	}
	r.hostConnID = ""
	r.closed.Store(true)
	return clients, true
}

func (r *Room) broadcastLocked(env models.Envelope, exceptID string) {
	for id, m := range r.participants {
		if id == exceptID {
			continue
		}
		m.client.Send(env)
	}
}

// RoomStatus 是房間狀態的唯讀快照
type RoomStatus struct {
	PartyID       string               `json:"partyId"`
	MovieID       string               `json:"movieId"`
	Participants  []models.Participant `json:"participants"`
	HostConnected bool                 `json:"hostConnected"`
	Playback      models.PlaybackState `json:"playback"`
	ChatMessages  int                  `json:"chatMessages"`
}

func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	participants := make([]models.Participant, 0, len(r.participants))
	for _, m := range r.participants {
		participants = append(participants, m.Participant)
	}
	return RoomStatus{
		PartyID:       r.PartyID,
		MovieID:       r.MovieID,
		Participants:  participants,
		HostConnected: r.hostConnID != "",
		Playback:      r.playback,
		ChatMessages:  len(r.chat),
	}
}

// ChatHistory 回傳目前保留的聊天紀錄副本
func (r *Room) ChatHistory() []models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recentMessagesLocked(len(r.chat))
}

func envelope(event string, payload any) (models.Envelope, bool) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return models.Envelope{}, false
	}
	return env, true
}
