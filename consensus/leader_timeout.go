package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LeaderTimeout nudges Core to force a new block when Core's own round has
// not advanced within a deadline. It does not check whether the round
// leader's block has been accepted: the deadline alone triggers it. It
// runs as a single timer task; Core resets the deadline whenever its own
// round advances.
type LeaderTimeout struct {
	core    *Core
	timeout time.Duration
	log     *logrus.Entry

	mu      sync.Mutex
	round   uint64
	timer   *time.Timer
	stopped chan struct{}
}

// NewLeaderTimeout creates a LeaderTimeout bound to core with the given
// per-round deadline. It registers itself as core's reset callback.
func NewLeaderTimeout(core *Core, timeout time.Duration, log *logrus.Entry) *LeaderTimeout {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	lt := &LeaderTimeout{
		core:    core,
		timeout: timeout,
		log:     log.WithField("component", "leader_timeout"),
		stopped: make(chan struct{}),
	}
	core.SetTimeoutReset(lt.Reset)
	return lt
}

// Start arms the timer for round 1. Must be called after Core.Run has
// started.
func (lt *LeaderTimeout) Start() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.round = 1
	lt.arm()
}

// Reset restarts the deadline for the round following round (the
// authority's own round just advanced past it).
func (lt *LeaderTimeout) Reset(round uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.round = round + 1
	lt.arm()
}

// arm must be called with mu held.
func (lt *LeaderTimeout) arm() {
	if lt.timer != nil {
		lt.timer.Stop()
	}
	round := lt.round
	lt.timer = time.AfterFunc(lt.timeout, func() { lt.fire(round) })
}

func (lt *LeaderTimeout) fire(round uint64) {
	select {
	case <-lt.stopped:
		return
	default:
	}
	lt.log.WithField("round", round).Debug("leader timeout fired, forcing new block")
	ctx, cancel := context.WithTimeout(context.Background(), lt.timeout)
	defer cancel()
	if err := lt.core.ForceNewBlock(ctx, round); err != nil {
		lt.log.WithError(err).Warn("force new block failed")
	}
	lt.mu.Lock()
	if lt.round == round {
		lt.arm()
	}
	lt.mu.Unlock()
}

// Stop cancels the timer. Idempotent.
func (lt *LeaderTimeout) Stop() {
	select {
	case <-lt.stopped:
		return
	default:
		close(lt.stopped)
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.timer != nil {
		lt.timer.Stop()
	}
}
