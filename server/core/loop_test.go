package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTicker struct {
	ticks atomic.Int32
}

func (c *countingTicker) Tick() { c.ticks.Add(1) }

func TestGameLoop(t *testing.T) {
	target := &countingTicker{}
	loop := NewGameLoop(target, 200, nil)
	go loop.Run()

	require.Eventually(t, func() bool { return target.ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)
	loop.Stop()
	loop.Stop()

	stopped := target.ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, target.ticks.Load())
}

func TestGameLoopStopBeforeRun(t *testing.T) {
	loop := NewGameLoop(&countingTicker{}, 20, nil)
	loop.Stop()
}
