// Package syncagent 是觀影派對的客戶端：鏡像房間狀態、把主持人的本地操作送回伺服器，
// 並把伺服器的播放同步套用到本地播放器。
package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"watchparty/internal/models"
	"watchparty/pkg/playback"
)

const (
	defaultSyncHold       = 500 * time.Millisecond
	defaultResyncDelay    = 750 * time.Millisecond
	defaultDriftTolerance = 1.0
	defaultMessageHistory = 100
)

var ErrClosed = errors.New("agent closed")

// Conn 是 Agent 使用的傳輸層，*websocket.Conn 直接滿足這個介面
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Config struct {
	Player Player
	Logger *zerolog.Logger

	Throttle playback.Throttle
	// SyncHold 是送出同步後忽略回音的時間
	SyncHold time.Duration
	// ResyncDelay 是主持人回應新成員或 request-sync 前的等待時間
	ResyncDelay time.Duration
	// DriftTolerance 以秒為單位，本地位置誤差在此之內不 seek
	DriftTolerance float64
	Now            func() time.Time

	OnMessage      func(models.ChatMessage)
	OnReaction     func(models.ReactionPayload)
	OnParticipants func([]models.Participant)
	OnPartyEnded   func(models.PartyEndedPayload)
	OnError        func(models.ErrorPayload)
}

// State 是 Agent 鏡像的房間狀態快照
type State struct {
	PartyID      string
	SelfID       string
	IsHost       bool
	HostID       string
	Participants []models.Participant
	Playback     models.PlaybackState
	Messages     []models.ChatMessage
}

type Agent struct {
	conn   Conn
	player Player
	cfg    Config
	logger zerolog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	partyID      string
	selfID       string
	isHost       bool
	hostID       string
	participants map[string]models.Participant
	playback     models.PlaybackState
	messages     []models.ChatMessage
	syncingUntil time.Time
	// resyncPending 期間再收到的 participant-joined / request-sync 併入同一次重送
	resyncPending bool

	joined     chan struct{}
	joinedOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
}

func New(conn Conn, cfg Config) *Agent {
	if cfg.Player == nil {
		cfg.Player = NewClockPlayer(cfg.Now)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SyncHold <= 0 {
		cfg.SyncHold = defaultSyncHold
	}
	if cfg.ResyncDelay <= 0 {
		cfg.ResyncDelay = defaultResyncDelay
	}
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = defaultDriftTolerance
	}
	cfg.Throttle = playback.NewThrottle(cfg.Throttle.Window, cfg.Throttle.SeekThreshold)

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "sync-agent").Logger()
	}

	return &Agent{
		conn:         conn,
		player:       cfg.Player,
		cfg:          cfg,
		logger:       logger,
		participants: make(map[string]models.Participant),
		playback:     models.PlaybackState{PlaybackSpeed: 1},
		joined:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Joined 在收到 watch-party-joined 之後關閉
func (a *Agent) Joined() <-chan struct{} {
	return a.joined
}

func (a *Agent) Player() Player {
	return a.player
}

// Run 讀取伺服器事件直到連線中斷或 ctx 結束。ctx 結束時回傳 nil。
func (a *Agent) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
		case <-a.done:
		}
	}()

	for {
		var env models.Envelope
		if err := a.conn.ReadJSON(&env); err != nil {
			a.Close()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := a.handle(env); err != nil {
			a.logger.Warn().Err(err).Str("event", env.Event).Msg("failed to handle event")
		}
	}
}

func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		_ = a.conn.Close()
	})
}

func (a *Agent) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Agent) handle(env models.Envelope) error {
	switch env.Event {
	case models.EventWatchPartyJoined:
		var p models.JoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		a.onJoined(p)
	case models.EventParticipantJoined:
		var p models.ParticipantJoinedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		a.onParticipantJoined(p.Participant)
	case models.EventParticipantLeft:
		var p models.ParticipantLeftPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		a.onParticipantLeft(p)
	case models.EventVideoSync:
		var p models.VideoSyncPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		a.onVideoSync(p)
	case models.EventRequestSync:
		a.onRequestSync()
	case models.EventNewMessage:
		var m models.ChatMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return err
		}
		a.onMessage(m)
	case models.EventNewReaction:
		var r models.ReactionPayload
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return err
		}
		if a.cfg.OnReaction != nil {
			a.cfg.OnReaction(r)
		}
	case models.EventPartyEnded:
		var p models.PartyEndedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		a.logger.Info().Str("reason", p.Reason).Msg("party ended")
		if a.cfg.OnPartyEnded != nil {
			a.cfg.OnPartyEnded(p)
		}
	case models.EventError:
		var p models.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		a.logger.Warn().Str("message", p.Message).Msg("server error")
		if a.cfg.OnError != nil {
			a.cfg.OnError(p)
		}
	default:
		a.logger.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
	return nil
}

func (a *Agent) onJoined(p models.JoinedPayload) {
	state := models.PlaybackState{
		CurrentTime:   p.CurrentTime,
		IsPlaying:     p.IsPlaying,
		PlaybackSpeed: p.PlaybackSpeed,
		LastUpdatedAt: a.cfg.Now(),
	}

	a.mu.Lock()
	a.partyID = p.PartyID
	a.selfID = p.ParticipantID
	a.isHost = p.IsHost
	a.hostID = ""
	a.participants = make(map[string]models.Participant, len(p.Participants))
	for _, pt := range p.Participants {
		a.participants[pt.ID] = pt
		if pt.IsHost {
			a.hostID = pt.ID
		}
	}
	a.playback = state
	a.messages = append(a.messages[:0], p.RecentMessages...)
	isHost := a.isHost
	participants := a.participantsLocked()
	a.mu.Unlock()

	a.logger.Info().
		Str("partyId", p.PartyID).
		Str("participantId", p.ParticipantID).
		Bool("isHost", isHost).
		Msg("joined watch party")

	a.apply(state)
	a.notifyParticipants(participants)
	a.joinedOnce.Do(func() { close(a.joined) })

	if !isHost {
		// 剛加入的訪客向主持人要一次最新狀態
		if err := a.RequestSync(); err != nil {
			a.logger.Debug().Err(err).Msg("request-sync after join failed")
		}
	}
}

func (a *Agent) onParticipantJoined(p models.Participant) {
	a.mu.Lock()
	a.participants[p.ID] = p
	if p.IsHost {
		a.hostID = p.ID
	}
	isHost := a.isHost
	participants := a.participantsLocked()
	a.mu.Unlock()

	a.notifyParticipants(participants)
	if isHost {
		a.scheduleResync()
	}
}

func (a *Agent) onParticipantLeft(p models.ParticipantLeftPayload) {
	a.mu.Lock()
	delete(a.participants, p.ParticipantID)
	if a.hostID == p.ParticipantID {
		a.hostID = ""
	}
	participants := a.participantsLocked()
	a.mu.Unlock()

	a.notifyParticipants(participants)
}

func (a *Agent) onVideoSync(p models.VideoSyncPayload) {
	now := a.cfg.Now()

	a.mu.Lock()
	if p.From == a.selfID || now.Before(a.syncingUntil) {
		a.mu.Unlock()
		a.logger.Trace().Str("from", p.From).Msg("ignoring echoed sync")
		return
	}
	speed := p.PlaybackSpeed
	if speed <= 0 {
		speed = a.playback.PlaybackSpeed
	}
	state := models.PlaybackState{
		CurrentTime:   p.CurrentTime,
		IsPlaying:     p.IsPlaying,
		PlaybackSpeed: speed,
		LastUpdatedAt: now,
	}
	a.playback = state
	a.mu.Unlock()

	a.apply(state)
}

func (a *Agent) onRequestSync() {
	a.mu.Lock()
	isHost := a.isHost
	a.mu.Unlock()
	if isHost {
		a.scheduleResync()
	}
}

func (a *Agent) onMessage(m models.ChatMessage) {
	a.mu.Lock()
	if len(a.messages) >= defaultMessageHistory {
		a.messages = append(a.messages[:0], a.messages[len(a.messages)-defaultMessageHistory+1:]...)
	}
	a.messages = append(a.messages, m)
	a.mu.Unlock()

	if a.cfg.OnMessage != nil {
		a.cfg.OnMessage(m)
	}
}

// apply 把共享狀態套到本地播放器；誤差在 DriftTolerance 內不 seek
func (a *Agent) apply(state models.PlaybackState) {
	if state.PlaybackSpeed > 0 && a.player.Speed() != state.PlaybackSpeed {
		a.player.SetSpeed(state.PlaybackSpeed)
	}
	if math.Abs(a.player.Position()-state.CurrentTime) > a.cfg.DriftTolerance {
		a.player.Seek(state.CurrentTime)
	}
	if state.IsPlaying != a.player.Playing() {
		if state.IsPlaying {
			a.player.Play()
		} else {
			a.player.Pause()
		}
	}
}

func (a *Agent) scheduleResync() {
	a.mu.Lock()
	if a.resyncPending {
		a.mu.Unlock()
		return
	}
	a.resyncPending = true
	a.mu.Unlock()

	time.AfterFunc(a.cfg.ResyncDelay, func() {
		a.mu.Lock()
		a.resyncPending = false
		a.mu.Unlock()
		if a.closed() {
			return
		}
		if _, err := a.propose(true); err != nil {
			a.logger.Debug().Err(err).Msg("resync failed")
		}
	})
}

// Play、Pause、Seek、SetSpeed 是使用者的本地操作。
// 訪客只影響自己的播放器；主持人另外把新狀態送給伺服器。
func (a *Agent) Play() error {
	a.player.Play()
	return a.localChange()
}

func (a *Agent) Pause() error {
	a.player.Pause()
	return a.localChange()
}

func (a *Agent) Seek(t float64) error {
	a.player.Seek(t)
	return a.localChange()
}

func (a *Agent) SetSpeed(speed float64) error {
	a.player.SetSpeed(speed)
	return a.localChange()
}

func (a *Agent) localChange() error {
	_, err := a.propose(false)
	return err
}

// propose 以本地播放器的狀態提出同步。force 為 false 時套用與伺服器相同的節流規則。
// 回傳值表示是否真的送出。
func (a *Agent) propose(force bool) (bool, error) {
	now := a.cfg.Now()
	next := models.PlaybackState{
		CurrentTime:   a.player.Position(),
		IsPlaying:     a.player.Playing(),
		PlaybackSpeed: a.player.Speed(),
		LastUpdatedAt: now,
	}

	a.mu.Lock()
	if !a.isHost {
		a.mu.Unlock()
		return false, nil
	}
	if !force && !a.cfg.Throttle.Allow(a.playback, next, now) {
		a.mu.Unlock()
		return false, nil
	}
	a.playback = next
	a.syncingUntil = now.Add(a.cfg.SyncHold)
	a.mu.Unlock()

	speed := next.PlaybackSpeed
	err := a.send(models.EventSyncVideo, models.SyncVideoRequest{
		CurrentTime:   next.CurrentTime,
		IsPlaying:     next.IsPlaying,
		PlaybackSpeed: &speed,
	})
	return err == nil, err
}

func (a *Agent) SendMessage(text string) error {
	return a.send(models.EventSendMessage, models.SendMessageRequest{Message: text})
}

func (a *Agent) SendReaction(emoji string) error {
	return a.send(models.EventSendReaction, models.SendReactionRequest{Emoji: emoji})
}

func (a *Agent) RequestSync() error {
	return a.send(models.EventRequestSync, nil)
}

func (a *Agent) send(event string, payload any) error {
	if a.closed() {
		return ErrClosed
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(env)
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	messages := make([]models.ChatMessage, len(a.messages))
	copy(messages, a.messages)
	return State{
		PartyID:      a.partyID,
		SelfID:       a.selfID,
		IsHost:       a.isHost,
		HostID:       a.hostID,
		Participants: a.participantsLocked(),
		Playback:     a.playback,
		Messages:     messages,
	}
}

func (a *Agent) participantsLocked() []models.Participant {
	out := make([]models.Participant, 0, len(a.participants))
	for _, p := range a.participants {
		out = append(out, p)
	}
	return out
}

func (a *Agent) notifyParticipants(participants []models.Participant) {
	if a.cfg.OnParticipants != nil {
		a.cfg.OnParticipants(participants)
	}
}
