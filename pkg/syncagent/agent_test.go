package syncagent

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"watchparty/internal/models"
)

type fakeConn struct {
	in     chan models.Envelope
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []models.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan models.Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case env := <-c.in:
		*(v.(*models.Envelope)) = env
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, v.(models.Envelope))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent(event string) []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Envelope
	for _, env := range c.out {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestAgent(t *testing.T, cfg Config) (*Agent, *fakeConn, *testClock) {
	t.Helper()
	clock := newTestClock()
	conn := newFakeConn()
	cfg.Now = clock.Now
	if cfg.Player == nil {
		cfg.Player = NewClockPlayer(clock.Now)
	}
	a := New(conn, cfg)
	t.Cleanup(a.Close)
	return a, conn, clock
}

func mustEnvelope(t *testing.T, event string, payload any) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("NewEnvelope(%s) error: %v", event, err)
	}
	return env
}

func join(t *testing.T, a *Agent, p models.JoinedPayload) {
	t.Helper()
	if err := a.handle(mustEnvelope(t, models.EventWatchPartyJoined, p)); err != nil {
		t.Fatalf("handle joined: %v", err)
	}
}

func hostJoined() models.JoinedPayload {
	return models.JoinedPayload{
		PartyID:       "p1",
		ParticipantID: "host",
		IsHost:        true,
		Participants:  []models.Participant{{ID: "host", Nickname: "Host", IsHost: true}},
		PlaybackSpeed: 1,
	}
}

func guestJoined(currentTime float64, playing bool) models.JoinedPayload {
	return models.JoinedPayload{
		PartyID:       "p1",
		ParticipantID: "guest",
		Participants: []models.Participant{
			{ID: "host", Nickname: "Host", IsHost: true},
			{ID: "guest", Nickname: "Guest"},
		},
		CurrentTime:    currentTime,
		IsPlaying:      playing,
		PlaybackSpeed:  1,
		RecentMessages: []models.ChatMessage{{ID: "m1", Nickname: "Host", Message: "hi"}},
	}
}

func TestGuestJoinAppliesSnapshotAndRequestsSync(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{})
	join(t, a, guestJoined(30, true))

	select {
	case <-a.Joined():
	default:
		t.Fatal("Joined() not closed after watch-party-joined")
	}
	if pos := a.Player().Position(); pos != 30 {
		t.Errorf("Position() = %v, want 30", pos)
	}
	if !a.Player().Playing() {
		t.Error("player should be playing after snapshot")
	}
	if n := len(conn.sent(models.EventRequestSync)); n != 1 {
		t.Errorf("request-sync sent %d times, want 1", n)
	}

	st := a.State()
	if st.SelfID != "guest" || st.IsHost || st.HostID != "host" {
		t.Errorf("State() = %+v", st)
	}
	if len(st.Participants) != 2 || len(st.Messages) != 1 {
		t.Errorf("mirrored %d participants, %d messages", len(st.Participants), len(st.Messages))
	}
}

func TestHostJoinDoesNotRequestSync(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{})
	join(t, a, hostJoined())

	if n := len(conn.sent(models.EventRequestSync)); n != 0 {
		t.Errorf("host sent %d request-sync, want 0", n)
	}
}

func TestGuestLocalActionsStayLocal(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{})
	join(t, a, guestJoined(0, false))

	if err := a.Seek(100); err != nil {
		t.Fatalf("Seek() error: %v", err)
	}
	if err := a.Play(); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if n := len(conn.sent(models.EventSyncVideo)); n != 0 {
		t.Errorf("guest sent %d sync-video, want 0", n)
	}
	if pos := a.Player().Position(); pos != 100 {
		t.Errorf("local Position() = %v, want 100", pos)
	}
}

func TestHostLocalActionsAreThrottled(t *testing.T) {
	a, conn, clock := newTestAgent(t, Config{})
	join(t, a, hostJoined())

	steps := []struct {
		name    string
		advance time.Duration
		act     func() error
	}{
		{"small seek inside window", 0, func() error { return a.Seek(1) }},
		{"significant seek", 0, func() error { return a.Seek(10) }},
		{"small seek right after", 0, func() error { return a.Seek(11) }},
		{"small seek after window", 600 * time.Millisecond, func() error { return a.Seek(12) }},
		{"play state change", 0, func() error { return a.Play() }},
	}
	for _, s := range steps {
		clock.Advance(s.advance)
		if err := s.act(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
	}

	syncs := conn.sent(models.EventSyncVideo)
	if len(syncs) != 3 {
		t.Fatalf("sync-video sent %d times, want 3", len(syncs))
	}
	var last models.SyncVideoRequest
	if err := json.Unmarshal(syncs[2].Data, &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !last.IsPlaying || last.CurrentTime != 12 || last.PlaybackSpeed == nil || *last.PlaybackSpeed != 1 {
		t.Errorf("last sync = %+v", last)
	}
}

func TestHostIgnoresEchoWhileSyncing(t *testing.T) {
	a, _, clock := newTestAgent(t, Config{})
	join(t, a, hostJoined())

	if err := a.Seek(50); err != nil {
		t.Fatalf("Seek() error: %v", err)
	}
	remote := mustEnvelope(t, models.EventVideoSync, models.VideoSyncPayload{CurrentTime: 5, PlaybackSpeed: 1, From: "other"})
	_ = a.handle(remote)
	if pos := a.Player().Position(); pos != 50 {
		t.Errorf("Position() = %v while syncing, want 50", pos)
	}

	own := mustEnvelope(t, models.EventVideoSync, models.VideoSyncPayload{CurrentTime: 5, From: "host"})
	clock.Advance(600 * time.Millisecond)
	_ = a.handle(own)
	if pos := a.Player().Position(); pos != 50 {
		t.Errorf("Position() = %v after own echo, want 50", pos)
	}

	_ = a.handle(remote)
	if pos := a.Player().Position(); pos != 5 {
		t.Errorf("Position() = %v after hold expired, want 5", pos)
	}
}

func TestRemoteSyncSeeksOnlyPastDrift(t *testing.T) {
	a, _, _ := newTestAgent(t, Config{})
	join(t, a, guestJoined(10, false))

	_ = a.handle(mustEnvelope(t, models.EventVideoSync, models.VideoSyncPayload{CurrentTime: 10.5, From: "host"}))
	if pos := a.Player().Position(); pos != 10 {
		t.Errorf("Position() = %v, small drift should not seek", pos)
	}

	_ = a.handle(mustEnvelope(t, models.EventVideoSync, models.VideoSyncPayload{CurrentTime: 12, PlaybackSpeed: 1.5, From: "host"}))
	if pos := a.Player().Position(); pos != 12 {
		t.Errorf("Position() = %v, want 12", pos)
	}
	if sp := a.Player().Speed(); sp != 1.5 {
		t.Errorf("Speed() = %v, want 1.5", sp)
	}
	if st := a.State().Playback; st.CurrentTime != 12 || st.PlaybackSpeed != 1.5 {
		t.Errorf("mirrored playback = %+v", st)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostResyncsNewcomers(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{ResyncDelay: 10 * time.Millisecond})
	join(t, a, hostJoined())

	_ = a.handle(mustEnvelope(t, models.EventParticipantJoined, models.ParticipantJoinedPayload{
		Participant: models.Participant{ID: "guest", Nickname: "Guest"},
	}))
	waitFor(t, func() bool { return len(conn.sent(models.EventSyncVideo)) == 1 },
		"host did not resync after participant-joined")

	_ = a.handle(mustEnvelope(t, models.EventRequestSync, models.RequestSyncPayload{From: "guest"}))
	waitFor(t, func() bool { return len(conn.sent(models.EventSyncVideo)) == 2 },
		"host did not answer request-sync")
}

func TestHostCoalescesResyncForOneNewcomer(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{ResyncDelay: 20 * time.Millisecond})
	join(t, a, hostJoined())

	// 新訪客加入後會立刻送 request-sync，兩個觸發只應產生一次重送
	_ = a.handle(mustEnvelope(t, models.EventParticipantJoined, models.ParticipantJoinedPayload{
		Participant: models.Participant{ID: "guest", Nickname: "Guest"},
	}))
	_ = a.handle(mustEnvelope(t, models.EventRequestSync, models.RequestSyncPayload{From: "guest"}))

	waitFor(t, func() bool { return len(conn.sent(models.EventSyncVideo)) >= 1 },
		"host did not resync the newcomer")
	time.Sleep(60 * time.Millisecond)
	if n := len(conn.sent(models.EventSyncVideo)); n != 1 {
		t.Errorf("sync-video sent %d times, want 1", n)
	}
}

func TestGuestDoesNotResync(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{ResyncDelay: 5 * time.Millisecond})
	join(t, a, guestJoined(0, false))

	_ = a.handle(mustEnvelope(t, models.EventParticipantJoined, models.ParticipantJoinedPayload{
		Participant: models.Participant{ID: "late", Nickname: "Late"},
	}))
	_ = a.handle(mustEnvelope(t, models.EventRequestSync, nil))
	time.Sleep(50 * time.Millisecond)

	if n := len(conn.sent(models.EventSyncVideo)); n != 0 {
		t.Errorf("guest sent %d sync-video, want 0", n)
	}
}

func TestMirrorsParticipantsAndCallbacks(t *testing.T) {
	var (
		messages  []models.ChatMessage
		reactions []models.ReactionPayload
		ended     *models.PartyEndedPayload
	)
	a, _, _ := newTestAgent(t, Config{
		OnMessage:    func(m models.ChatMessage) { messages = append(messages, m) },
		OnReaction:   func(r models.ReactionPayload) { reactions = append(reactions, r) },
		OnPartyEnded: func(p models.PartyEndedPayload) { ended = &p },
	})
	join(t, a, guestJoined(0, false))

	events := []models.Envelope{
		mustEnvelope(t, models.EventParticipantJoined, models.ParticipantJoinedPayload{Participant: models.Participant{ID: "c", Nickname: "C"}}),
		mustEnvelope(t, models.EventParticipantLeft, models.ParticipantLeftPayload{ParticipantID: "host", Nickname: "Host"}),
		mustEnvelope(t, models.EventNewMessage, models.ChatMessage{ID: "m2", Nickname: "C", Message: "yo"}),
		mustEnvelope(t, models.EventNewReaction, models.ReactionPayload{Emoji: "😂", From: "C"}),
		mustEnvelope(t, models.EventPartyEnded, models.PartyEndedPayload{Reason: models.PartyEndedReasonExpired}),
		{Event: "mystery"},
	}
	for _, env := range events {
		if err := a.handle(env); err != nil {
			t.Fatalf("handle(%s) error: %v", env.Event, err)
		}
	}

	st := a.State()
	if st.HostID != "" {
		t.Errorf("HostID = %q after host left, want empty", st.HostID)
	}
	if len(st.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(st.Participants))
	}
	if len(st.Messages) != 2 || len(messages) != 1 || messages[0].Message != "yo" {
		t.Errorf("messages mirrored=%d callback=%v", len(st.Messages), messages)
	}
	if len(reactions) != 1 || reactions[0].Emoji != "😂" {
		t.Errorf("reactions = %v", reactions)
	}
	if ended == nil || ended.Reason != models.PartyEndedReasonExpired {
		t.Errorf("party-ended callback = %v", ended)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	conn.in <- mustEnvelope(t, models.EventWatchPartyJoined, hostJoined())
	<-a.Joined()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if err := a.SendMessage("late"); err != ErrClosed {
		t.Errorf("SendMessage() after close = %v, want ErrClosed", err)
	}
}

func TestRunReturnsTransportError(t *testing.T) {
	a, conn, _ := newTestAgent(t, Config{})
	conn.Close()

	if err := a.Run(context.Background()); err != io.EOF {
		t.Errorf("Run() = %v, want io.EOF", err)
	}
}

func TestClockPlayer(t *testing.T) {
	clock := newTestClock()
	p := NewClockPlayer(clock.Now)

	p.Seek(10)
	p.Play()
	clock.Advance(2 * time.Second)
	if pos := p.Position(); pos != 12 {
		t.Errorf("Position() = %v, want 12", pos)
	}
	p.SetSpeed(2)
	clock.Advance(time.Second)
	if pos := p.Position(); pos != 14 {
		t.Errorf("Position() = %v at 2x, want 14", pos)
	}
	p.Pause()
	clock.Advance(time.Minute)
	if pos := p.Position(); pos != 14 {
		t.Errorf("Position() = %v while paused, want 14", pos)
	}
	p.Seek(-5)
	if pos := p.Position(); pos != 0 {
		t.Errorf("Position() = %v after negative seek, want 0", pos)
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{
			Target{Server: "http://localhost:8080", PartyID: "p1", Nickname: "Ann"},
			"ws://localhost:8080/api/parties/p1/ws?nickname=Ann",
		},
		{
			Target{Server: "https://watch.example.com/", PartyID: "p 2", Nickname: "B", UserID: "u1", Token: "tok"},
			"wss://watch.example.com/api/parties/p%202/ws?nickname=B&token=tok&userId=u1",
		},
		{
			Target{Server: "http://localhost:8080/base", PartyID: "a/b?c%d", Nickname: "C"},
			"ws://localhost:8080/base/api/parties/a%2Fb%3Fc%25d/ws?nickname=C",
		},
	}
	for _, tt := range tests {
		got, err := tt.target.URL()
		if err != nil {
			t.Fatalf("URL() error: %v", err)
		}
		if got != tt.want {
			t.Errorf("URL() = %q, want %q", got, tt.want)
		}
	}

	if _, err := (Target{Server: "ftp://x"}).URL(); err == nil {
		t.Error("URL() with ftp scheme should fail")
	}
}
