package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter caps client audio by frames and bytes per second. Either cap may be
// disabled; a frame must fit both to pass.
type inboundAudioLimiter struct {
	now    func() time.Time
	frames *rate.Limiter
	bytes  *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.frames = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bytes = rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds)
	}
	return l
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	t := l.now()

	if l.frames != nil && l.frames.TokensAt(t) < 1 {
		return false
	}
	if l.bytes != nil && l.bytes.TokensAt(t) < float64(frameBytes) {
		return false
	}
	if l.frames != nil {
		l.frames.AllowN(t, 1)
	}
	if l.bytes != nil {
		l.bytes.AllowN(t, frameBytes)
	}
	return true
}
