package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type window struct {
	count   int
	resetAt time.Time
	mu      sync.Mutex
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	ResetIn time.Duration
}

// ResetInSeconds rounds the remaining wait up to whole seconds.
func (d Decision) ResetInSeconds() int {
	return int(math.Ceil(float64(d.ResetIn.Milliseconds()) / 1000))
}

// RateLimiter is a fixed-window counter per key held in process memory.
// State is lost on restart.
type RateLimiter struct {
	windows       map[string]*window
	mu            sync.RWMutex
	maxRequests   int
	window        time.Duration
	now           func() time.Time
	logger        *zap.Logger
	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

type Config struct {
	MaxRequests int
	Window      time.Duration
	Logger      *zap.Logger
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	rl := &RateLimiter{
		windows:       make(map[string]*window),
		maxRequests:   cfg.MaxRequests,
		window:        cfg.Window,
		now:           cfg.Now,
		logger:        cfg.Logger,
		cleanupTicker: time.NewTicker(5 * time.Minute),
		done:          make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Check consumes one slot for key if one is free.
func (rl *RateLimiter) Check(key string) Decision {
	w := rl.windowFor(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := rl.now()
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(rl.window)
	}

	resetIn := w.resetAt.Sub(now)
	if w.count >= rl.maxRequests {
		return Decision{Allowed: false, ResetIn: resetIn}
	}

	w.count++
	return Decision{Allowed: true, ResetIn: resetIn}
}

func (rl *RateLimiter) windowFor(key string) *window {
	rl.mu.RLock()
	w, exists := rl.windows[key]
	rl.mu.RUnlock()
	if exists {
		return w
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if w, exists = rl.windows[key]; !exists {
		w = &window{}
		rl.windows[key] = w
	}
	return w
}

// Middleware limits HTTP callers by client IP.
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()

		d := rl.Check(key)
		if !d.Allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Path()),
			)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(d.ResetInSeconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.cleanupTicker.C:
			rl.evictExpired()
		}
	}
}

func (rl *RateLimiter) evictExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		w.mu.Lock()
		if now.Sub(w.resetAt) > rl.window {
			delete(rl.windows, key)
		}
		w.mu.Unlock()
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})
}
