package alarm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FireFunc receives a trigger at the moment it goes off. It runs on a
// timer goroutine and must not block.
type FireFunc func(Trigger)

type armedTrigger struct {
	trigger Trigger
	timer   *time.Timer
}

// TimerFacility arms triggers with process-local timers. It is the
// default Facility used by the daemon.
type TimerFacility struct {
	mu       sync.Mutex
	armed    map[string]*armedTrigger
	capacity int
	fire     FireFunc
	logger   *zap.Logger
}

// NewTimerFacility builds a facility capped at capacity armed
// triggers. A capacity of zero or below falls back to DefaultCapacity.
// fire may be nil.
func NewTimerFacility(capacity int, fire FireFunc, logger *zap.Logger) *TimerFacility {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TimerFacility{
		armed:    make(map[string]*armedTrigger),
		capacity: capacity,
		fire:     fire,
		logger:   logger,
	}
}

// Schedule arms the trigger. An armed trigger with the same ID is
// replaced and does not count against the capacity check.
func (f *TimerFacility) Schedule(t Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prior, ok := f.armed[t.ID]; ok {
		prior.timer.Stop()
		delete(f.armed, t.ID)
	}
	if len(f.armed) >= f.capacity {
		return fmt.Errorf("%w: %d triggers armed", ErrFacilityFull, len(f.armed))
	}

	entry := &armedTrigger{trigger: t}
	entry.timer = time.AfterFunc(time.Until(t.FiresAt), func() { f.fired(t) })
	f.armed[t.ID] = entry
	return nil
}

func (f *TimerFacility) fired(t Trigger) {
	f.mu.Lock()
	delete(f.armed, t.ID)
	f.mu.Unlock()

	f.logger.Info("trigger fired",
		zap.String("trigger_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("title", t.Title),
	)
	if f.fire != nil {
		f.fire(t)
	}
}

// CancelAll disarms every trigger.
func (f *TimerFacility) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, entry := range f.armed {
		entry.timer.Stop()
		delete(f.armed, id)
	}
}

// Armed returns the currently armed triggers ordered by firing time.
func (f *TimerFacility) Armed() []Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Trigger, 0, len(f.armed))
	for _, entry := range f.armed {
		out = append(out, entry.trigger)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiresAt.Equal(out[j].FiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FiresAt.Before(out[j].FiresAt)
	})
	return out
}
