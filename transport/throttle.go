package transport

import (
	"time"

	"golang.org/x/time/rate"
)

// throttle is the byte budget of one direction of a rate limited transport.
// While throttled the direction's registration stays suspended; attempts to
// resume it are counted and replayed on the next refill tick.
type throttle struct {
	limiter    *rate.Limiter
	throttled  bool
	suppressed int
}

func newThrottle(bytesPerSecond int) *throttle {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// clamp returns how many of want bytes may be moved now. Zero means the
// caller must suspend until the next refill.
func (th *throttle) clamp(want int) int {
	if th == nil {
		return want
	}
	if th.throttled {
		th.suppressed++
		return 0
	}
	avail := int(th.limiter.TokensAt(time.Now()))
	if avail <= 0 {
		th.throttled = true
		return 0
	}
	if avail < want {
		return avail
	}
	return want
}

func (th *throttle) consume(n int) {
	if th == nil || n <= 0 {
		return
	}
	th.limiter.ReserveN(time.Now(), n)
}

// refill clears the throttle and returns the number of resumes to replay:
// every suppressed one plus the one that suspended the registration.
func (th *throttle) refill() int {
	if th == nil || !th.throttled {
		return 0
	}
	resumes := th.suppressed + 1
	th.throttled = false
	th.suppressed = 0
	return resumes
}
