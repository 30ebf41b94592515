package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
}

func TestManualAfter(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	ch := c.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before the clock advanced")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(10*time.Second), fired)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestManualAfterZero(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	select {
	case <-c.After(0):
	case <-time.After(time.Second):
		t.Fatal("zero-duration timer did not fire immediately")
	}
}

func TestManualSet(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)
	ch := c.After(24 * time.Hour)

	c.Set(start.Add(48 * time.Hour))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after Set crossed its deadline")
	}
	assert.Equal(t, start.Add(48*time.Hour), c.Now())
}
