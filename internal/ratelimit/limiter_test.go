package ratelimit

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCheckWindow(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	rl := New(Config{MaxRequests: 3, Window: time.Minute, Now: clk.Now})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if d := rl.Check("U1"); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}

	clk.Advance(20*time.Second + 300*time.Millisecond)
	d := rl.Check("U1")
	if d.Allowed {
		t.Fatal("fourth request allowed")
	}
	if d.ResetIn != 39*time.Second+700*time.Millisecond {
		t.Fatalf("ResetIn = %v", d.ResetIn)
	}
	if got := d.ResetInSeconds(); got != 40 {
		t.Fatalf("ResetInSeconds = %d, want 40", got)
	}

	if d := rl.Check("U2"); !d.Allowed {
		t.Fatal("other user denied")
	}

	clk.Advance(40 * time.Second)
	if d := rl.Check("U1"); !d.Allowed {
		t.Fatal("request after window reset denied")
	}
}

func TestResetInSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{1 * time.Millisecond, 1},
		{1000 * time.Millisecond, 1},
		{1001 * time.Millisecond, 2},
		{59999 * time.Millisecond, 60},
	}
	for _, tt := range tests {
		if got := (Decision{ResetIn: tt.in}).ResetInSeconds(); got != tt.want {
			t.Errorf("ResetInSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCheckConcurrent(t *testing.T) {
	rl := New(Config{MaxRequests: 50, Window: time.Hour})
	defer rl.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Check("U1").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("allowed %d, want 50", allowed)
	}
}

func TestEvictExpired(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	rl := New(Config{MaxRequests: 1, Window: time.Minute, Now: clk.Now})
	defer rl.Stop()

	rl.Check("U1")
	clk.Advance(3 * time.Minute)
	rl.evictExpired()

	rl.mu.RLock()
	n := len(rl.windows)
	rl.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected windows evicted, %d left", n)
	}
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{MaxRequests: 1, Window: time.Minute})
	defer rl.Stop()

	app := fiber.New()
	app.Get("/x", rl.Middleware(), func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest("GET", "/x", nil))
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/x", nil))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}
