package ranging

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"rangelink/session"
)

const (
	DefaultSampleInterval = 500 * time.Millisecond

	minSimulatedMeters = 0.1
	maxSimulatedMeters = 30.0
	maxStepMeters      = 0.25
)

// Simulated is a Driver for hosts without ranging hardware. Each job starts
// at a random distance and random-walks one step per Interval.
type Simulated struct {
	Clock    clock.Clock
	Interval time.Duration
	// Address is the local address; a random two-byte address is used when empty.
	Address []byte
	// Seed makes the walk reproducible when non-zero.
	Seed uint64

	mu   sync.Mutex
	rand *rand.Rand
}

func (s *Simulated) Open(context.Context) (Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.Interval <= 0 {
		s.Interval = DefaultSampleInterval
	}
	seed := s.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s.rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if len(s.Address) == 0 {
		s.Address = []byte{byte(s.rand.UintN(256)), byte(s.rand.UintN(256))}
	}

	return Capabilities{
		DistanceSupported: true,
		LocalAddress:      append([]byte{}, s.Address...),
		Channel:           session.DefaultChannel,
		PreambleIndex:     session.DefaultPreambleIndex,
	}, nil
}

func (s *Simulated) Range(ctx context.Context, _ string, _ session.Agreement, report func(meters float64)) error {
	ticker := s.Clock.Ticker(s.Interval)
	defer ticker.Stop()

	distance := s.uniform(1, 5)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report(distance)
			distance += s.uniform(-maxStepMeters, maxStepMeters)
			distance = min(max(distance, minSimulatedMeters), maxSimulatedMeters)
		}
	}
}

func (s *Simulated) Close() error { return nil }

func (s *Simulated) uniform(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rand.Float64()*(hi-lo)
}
