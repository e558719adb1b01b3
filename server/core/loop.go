package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type tickTarget interface {
	Tick()
}

type GameLoop struct {
	target   tickTarget
	tickRate int
	log      *slog.Logger
	running  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewGameLoop(target tickTarget, tickRate int, logger *slog.Logger) *GameLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &GameLoop{
		target:   target,
		tickRate: tickRate,
		log:      logger.With("component", "loop"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks the target until Stop is called.
func (g *GameLoop) Run() {
	g.running.Store(true)
	defer close(g.done)
	ticker := time.NewTicker(time.Second / time.Duration(g.tickRate))
	defer ticker.Stop()

	g.log.Info("loop started", "tickRate", g.tickRate)

	for {
		select {
		case <-g.stopChan:
			g.log.Info("loop stopped")
			return
		case <-ticker.C:
			g.target.Tick()
		}
	}
}

// Stop ends Run and waits for the current tick to finish. It is safe to
// call more than once, and before Run.
func (g *GameLoop) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	if g.running.Load() {
		<-g.done
	}
}
