package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/easy-gitops/internal/testutil"
)

const image = "gcr.io/hightowerlabs/hub"

func newBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	return New(threshold, cooldown).WithClock(clock.Now), clock
}

func tripped(cb *CircuitBreaker, key string, n int) {
	for i := 0; i < n; i++ {
		cb.RecordFailure(key)
	}
}

func TestAllow_UnknownKey_Allowed(t *testing.T) {
	cb, _ := newBreaker(3, 5*time.Second)
	if err := cb.Allow(image); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb, _ := newBreaker(3, 5*time.Second)
	tripped(cb, image, 2)
	if err := cb.Allow(image); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if cb.State(image) != StateClosed {
		t.Errorf("state = %s, want closed", cb.State(image))
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb, _ := newBreaker(3, 5*time.Second)
	tripped(cb, image, 3)
	if err := cb.Allow(image); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.OpenKeys() != 1 {
		t.Errorf("OpenKeys() = %d", cb.OpenKeys())
	}
}

func TestAllow_OpenAfterCooldown_HalfOpen(t *testing.T) {
	cb, clock := newBreaker(3, 10*time.Second)
	tripped(cb, image, 3)
	clock.Advance(10 * time.Second)

	if err := cb.Allow(image); err != nil {
		t.Fatalf("expected trial allowed, got %v", err)
	}
	if cb.State(image) != StateHalfOpen {
		t.Errorf("state = %s, want half_open", cb.State(image))
	}
	if err := cb.Allow(image); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected ErrCircuitOpen while half-open trial in flight")
	}
}

func TestRecordSuccess_ResetsToClosed(t *testing.T) {
	cb, clock := newBreaker(3, 10*time.Second)
	tripped(cb, image, 3)
	clock.Advance(11 * time.Second)
	_ = cb.Allow(image)
	cb.RecordSuccess(image)

	if err := cb.Allow(image); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}
	if cb.OpenKeys() != 0 {
		t.Errorf("OpenKeys() = %d", cb.OpenKeys())
	}
}

func TestRecordFailure_HalfOpenReopens(t *testing.T) {
	cb, clock := newBreaker(3, 10*time.Second)
	tripped(cb, image, 3)
	clock.Advance(11 * time.Second)
	_ = cb.Allow(image)
	cb.RecordFailure(image)

	if err := cb.Allow(image); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("expected ErrCircuitOpen after failed trial")
	}
	clock.Advance(5 * time.Second)
	if err := cb.Allow(image); err == nil {
		t.Fatal("cooldown restarts when a trial fails")
	}
}

func TestSuccessBetweenFailures_ResetsCount(t *testing.T) {
	cb, _ := newBreaker(3, time.Minute)
	tripped(cb, image, 2)
	cb.RecordSuccess(image)
	tripped(cb, image, 2)
	if err := cb.Allow(image); err != nil {
		t.Fatalf("failures are consecutive only, got %v", err)
	}
}

func TestIndependentKeys(t *testing.T) {
	cb, _ := newBreaker(2, 5*time.Second)
	tripped(cb, "technosophos/slack-notify", 2)
	if err := cb.Allow("technosophos/slack-notify"); err == nil {
		t.Fatal("expected notify image open")
	}
	if err := cb.Allow(image); err != nil {
		t.Fatalf("expected hub image allowed, got %v", err)
	}
}
