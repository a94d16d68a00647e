package syncagent

import (
	"sync"
	"time"
)

// Player 是 Agent 控制的本地播放器
type Player interface {
	Position() float64
	Playing() bool
	Speed() float64
	Seek(t float64)
	Play()
	Pause()
	SetSpeed(speed float64)
}

// ClockPlayer 是沒有畫面的虛擬播放器，位置由牆上時鐘推算
type ClockPlayer struct {
	mu      sync.Mutex
	base    float64
	anchor  time.Time
	playing bool
	speed   float64
	now     func() time.Time
}

func NewClockPlayer(now func() time.Time) *ClockPlayer {
	if now == nil {
		now = time.Now
	}
	return &ClockPlayer{
		anchor: now(),
		speed:  1,
		now:    now,
	}
}

func (p *ClockPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *ClockPlayer) positionLocked() float64 {
	if !p.playing {
		return p.base
	}
	return p.base + p.now().Sub(p.anchor).Seconds()*p.speed
}

func (p *ClockPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *ClockPlayer) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

func (p *ClockPlayer) Seek(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t < 0 {
		t = 0
	}
	p.base = t
	p.anchor = p.now()
}

func (p *ClockPlayer) Play() {
	p.setPlaying(true)
}

func (p *ClockPlayer) Pause() {
	p.setPlaying(false)
}

func (p *ClockPlayer) setPlaying(playing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing == playing {
		return
	}
	p.base = p.positionLocked()
	p.anchor = p.now()
	p.playing = playing
}

func (p *ClockPlayer) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = p.positionLocked()
	p.anchor = p.now()
	p.speed = speed
}
