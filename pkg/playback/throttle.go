// Package playback 存放伺服器與客戶端共用的播放同步規則。
package playback

import (
	"math"
	"time"

	"watchparty/internal/models"
)

const (
	DefaultWindow        = 500 * time.Millisecond
	DefaultSeekThreshold = 3.0
)

// Throttle 決定一筆主持人的播放更新是否值得送出。
// 播放/暫停切換或超過 SeekThreshold 秒的跳轉一律放行；
// 其他更新距離上次更新不足 Window 時丟棄。
type Throttle struct {
	Window        time.Duration
	SeekThreshold float64
}

func NewThrottle(window time.Duration, seekThreshold float64) Throttle {
	if window <= 0 {
		window = DefaultWindow
	}
	if seekThreshold <= 0 {
		seekThreshold = DefaultSeekThreshold
	}
	return Throttle{Window: window, SeekThreshold: seekThreshold}
}

func (t Throttle) Allow(prev models.PlaybackState, next models.PlaybackState, now time.Time) bool {
	if IsPlayStateChange(prev, next) || t.IsSignificantSeek(prev, next) {
		return true
	}
	return now.Sub(prev.LastUpdatedAt) >= t.Window
}

func IsPlayStateChange(prev, next models.PlaybackState) bool {
	return prev.IsPlaying != next.IsPlaying
}

func (t Throttle) IsSignificantSeek(prev, next models.PlaybackState) bool {
	return math.Abs(next.CurrentTime-prev.CurrentTime) > t.SeekThreshold
}

// Valid 檢查播放時間與速度是否為可接受的數值
func Valid(currentTime, speed float64) bool {
	if math.IsNaN(currentTime) || math.IsInf(currentTime, 0) || currentTime < 0 {
		return false
	}
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return false
	}
	return true
}
