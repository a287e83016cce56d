package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	c := NewFakeClock(epoch)
	var order []string

	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, epoch.Add(2*time.Second), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFakeClock_TiesBreakByCreation(t *testing.T) {
	c := NewFakeClock(epoch)
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.AfterFunc(time.Second, func() { order = append(order, i) })
	}
	c.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFakeClock_Stop(t *testing.T) {
	c := NewFakeClock(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.Equal(t, 1, c.Pending())
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_CallbackSeesDeadline(t *testing.T) {
	c := NewFakeClock(epoch)
	var seen time.Time
	c.AfterFunc(1500*time.Millisecond, func() { seen = c.Now() })

	c.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), seen)
}

func TestFakeClock_RearmingTimerFiresWithinWindow(t *testing.T) {
	c := NewFakeClock(epoch)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	assert.Equal(t, 5, ticks)
	assert.Equal(t, 1, c.Pending())
}
