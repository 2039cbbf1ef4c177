package laneq

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	ikeys "github.com/laneq/laneq-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// permitScript is the atomic prune-then-conditional-insert behind Permit.
// Entries older than the window are removed first, then the remaining count
// decides admission. A denied check inserts nothing, so it never consumes
// budget. The PEXPIRE keeps abandoned windows from lingering even if pruning
// is skipped.
var permitScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. ARGV[1])
if redis.call('ZCARD', key) < tonumber(ARGV[2]) then
  redis.call('ZADD', key, ARGV[3], ARGV[4])
  redis.call('PEXPIRE', key, ARGV[5])
  return 1
end
return 0
`)

// RateLimiterConfig defines the configuration for a RateLimiter.
type RateLimiterConfig struct {
	// Prefix is the key namespace all window entries live under. Dispatcher
	// and worker deployments must use different prefixes so the two tiers
	// never share counters.
	Prefix string
	// Window is the sliding window width. Defaults to one minute.
	Window time.Duration
	// Disabled turns the limiter into a pass-through that always permits.
	Disabled bool
	// Logger is used for fail-open warnings.
	Logger Logger
}

// RateLimiter answers "is one more unit allowed for lane X right now?"
// against a shared Redis store, so the budget holds across any number of
// cooperating processes.
type RateLimiter struct {
	rdb      redis.UniversalClient
	prefix   string
	window   time.Duration
	disabled bool
	log      Logger
	now      func() time.Time
}

// NewRateLimiter creates a sliding-window rate limiter over the shared store.
func NewRateLimiter(rdb redis.UniversalClient, cfg RateLimiterConfig) *RateLimiter {
	w := cfg.Window
	if w <= 0 {
		w = time.Minute
	}
	l := cfg.Logger
	if l == nil {
		l = noopLogger{}
	}
	return &RateLimiter{
		rdb:      rdb,
		prefix:   cfg.Prefix,
		window:   w,
		disabled: cfg.Disabled,
		log:      l,
		now:      time.Now,
	}
}

// Permit reports whether one more unit is allowed for the lane within the
// current window, recording the unit when it is. On store failure the
// limiter fails open: a dependency blip must degrade rate accuracy, not
// take the routing path down.
func (rl *RateLimiter) Permit(ctx context.Context, lane string, capacity int) bool {
	if rl.disabled {
		return true
	}
	nowMs := rl.now().UnixMilli()
	windowStart := nowMs - rl.window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := permitScript.Run(ctx, rl.rdb,
		[]string{ikeys.Window(rl.prefix, lane)},
		strconv.FormatInt(windowStart, 10),
		strconv.Itoa(capacity),
		strconv.FormatInt(nowMs, 10),
		member,
		strconv.FormatInt(2*rl.window.Milliseconds(), 10),
	).Int64()
	if err != nil {
		rl.log.Warnf("rate limiter unreachable, failing open: lane=%s err=%v", lane, err)
		return true
	}
	return res == 1
}
