package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"watchparty/internal/models"
)

func TestRateLimiterSweep(t *testing.T) {
	l := NewRateLimiter(2 * time.Second)
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	l.Allow("p1", "a", t0)
	l.Allow("p1", "b", t0.Add(4*time.Minute))
	if l.Allow("p1", "b", t0.Add(4*time.Minute+time.Second)) {
		t.Error("second attempt within window should be rejected")
	}

	if n := l.Sweep(t0.Add(5*time.Minute+time.Second), 5*time.Minute); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestReaperExpiresIdleRoom(t *testing.T) {
	svc, clock := newTestService(
		&models.WatchParty{ID: "idle", HostUserID: "u-host"},
		&models.WatchParty{ID: "busy"},
	)
	t0 := clock.Now()

	_, hostConn := join(t, svc, "idle", "host", "u-host")
	_, guestConn := join(t, svc, "idle", "guest", "")

	busyHost, _ := join(t, svc, "busy", "busy-host", "")
	clock.Advance(4 * time.Hour)
	busyHost.SyncVideo(models.SyncVideoRequest{CurrentTime: 3600, IsPlaying: true})

	logger := zerolog.Nop()
	reaper := NewReaper(svc.Registry(), svc.limiter, ReaperConfig{}, &logger)

	if n := reaper.SweepRooms(t0.Add(4*time.Hour - time.Minute)); n != 0 {
		t.Fatalf("SweepRooms() before ttl = %d, want 0", n)
	}
	if n := reaper.SweepRooms(t0.Add(4*time.Hour + time.Minute)); n != 1 {
		t.Fatalf("SweepRooms() = %d, want 1", n)
	}

	for name, c := range map[string]*fakeClient{"host": hostConn, "guest": guestConn} {
		ended := c.eventsOf(models.EventPartyEnded)
		if len(ended) != 1 {
			t.Errorf("%s party-ended = %d, want 1", name, len(ended))
			continue
		}
		if p := payloadOf[models.PartyEndedPayload](t, ended[0]); p.Reason != models.PartyEndedReasonExpired {
			t.Errorf("%s reason = %q, want expired", name, p.Reason)
		}
		if !c.isClosed() {
			t.Errorf("%s connection not closed", name)
		}
	}
	if _, ok := svc.Room("idle"); ok {
		t.Error("expired room still registered")
	}
	if _, ok := svc.Room("busy"); !ok {
		t.Error("active room was expired")
	}
}

func TestReaperSweepsRateLimits(t *testing.T) {
	logger := zerolog.Nop()
	limiter := NewRateLimiter(2 * time.Second)
	t0 := time.Now()
	limiter.Allow("p1", "src", t0)

	reaper := NewReaper(NewRegistry(RoomOptions{}), limiter, ReaperConfig{}, &logger)
	if n := reaper.SweepRateLimits(t0.Add(time.Minute)); n != 0 {
		t.Errorf("SweepRateLimits() = %d, want 0", n)
	}
	if n := reaper.SweepRateLimits(t0.Add(6 * time.Minute)); n != 1 {
		t.Errorf("SweepRateLimits() = %d, want 1", n)
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	reaper := NewReaper(NewRegistry(RoomOptions{}), NewRateLimiter(time.Second), ReaperConfig{
		RoomSweepInterval:      time.Millisecond,
		RateLimitSweepInterval: time.Millisecond,
	}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
