package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration
	if MediaInserted == nil {
		t.Fatalf("metrics not registered after Init")
	}
}

func TestIncHelpersSafeBeforeInit(t *testing.T) {
	// The helpers are called from library code that may run before Init.
	IncAPIRequest()
	IncRateLimitHit()
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(SearchPageDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 5ms", d)
	}
	// nil observer is allowed
	if d := TimeFunc(nil, func() {}); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation on empty ctx = %q, want empty", got)
	}
	id := NewRunID()
	if id == "" {
		t.Fatalf("NewRunID returned empty id")
	}
	if NewRunID() == id {
		t.Errorf("NewRunID returned duplicate ids")
	}
	ctx = WithCorrelation(ctx, id)
	if got := GetCorrelation(ctx); got != id {
		t.Errorf("GetCorrelation = %q, want %q", got, id)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Errorf("LoggerWithCorr returned nil")
	}
}
