package clock_test

import (
	"testing"

	"github.com/mthdroid/moltpredict-skill/internal/clock"
)

func TestManual_SetIgnoresBackwards(t *testing.T) {
	c := clock.NewManual(100)
	c.Set(50)
	if got := c.Now(); got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
	c.Set(150)
	if got := c.Now(); got != 150 {
		t.Fatalf("got %d, want 150", got)
	}
}

func TestManual_Advance(t *testing.T) {
	c := clock.NewManual(0)
	c.Advance(86400)
	c.Advance(-10)
	if got := c.Now(); got != 86400 {
		t.Fatalf("got %d, want 86400", got)
	}
}

func TestSystem_NonDecreasing(t *testing.T) {
	c := clock.NewSystem()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		now := c.Now()
		if now < prev {
			t.Fatalf("clock went backwards: %d < %d", now, prev)
		}
		prev = now
	}
}
