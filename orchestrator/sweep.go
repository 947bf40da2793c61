package orchestrator

import (
	"fmt"

	"github.com/benbjohnson/clock"

	"rangelink/models"
)

// sweepLoop evicts stale peers on every tick until stop is closed.
func (o *Orchestrator) sweepLoop(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) sweep() {
	defer o.recoverCallback("staleness sweep", "")
	if stop := o.evictStale(); stop != nil {
		stop()
	}
}

// evictStale removes every peer that is not ranging and has gone unseen for
// longer than the stale threshold, and forgets its exchange state so a later
// sighting starts over.
func (o *Orchestrator) evictStale() func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.scanning {
		return nil
	}

	removed := o.peers.RemoveStale(o.clock.Now(), o.staleThreshold)
	if len(removed) == 0 {
		return nil
	}

	for _, id := range removed {
		delete(o.pending, id)
		delete(o.completed, id)
		delete(o.lastUpdate, id)
		o.emitLocked(models.EventError, id, fmt.Sprintf("Evicted stale peer, unseen for over %s", o.staleThreshold))
	}
	o.recorder.ObserveEvictions(len(removed))
	o.publishLocked()
	o.log.WithField("count", len(removed)).Info("Evicted stale peers")

	return func() {
		for _, id := range removed {
			o.ranging.StopRanging(id)
		}
	}
}
