package clock

import (
	"testing"
	"time"
)

func TestManual_Advance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(31 * time.Second)
	if got := c.Now().Sub(start); got != 31*time.Second {
		t.Errorf("expected 31s elapsed, got %v", got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("expected clock reset to start, got %v", c.Now())
	}
}

func TestOrSystem(t *testing.T) {
	if OrSystem(nil) == nil {
		t.Fatal("expected system clock for nil")
	}
	m := NewManual(time.Unix(0, 0))
	if OrSystem(m) != Clock(m) {
		t.Error("expected provided clock to be returned")
	}
}
