package scheduling

import (
	"sync"
	"time"
)

type BreakerConfig struct {
	// consecutive failed runs that open the circuit, 0 uses 5 and a negative
	// value disables the breaker.
	TripAfter int
	// cooldown after tripping, doubled for each further failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// failures older than this are forgotten.
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter == 0 {
		c.TripAfter = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

func (c BreakerConfig) enabled() bool {
	return c.TripAfter > 0
}

type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// circuits is a consecutive-failure circuit breaker per job. A success
// closes the circuit, reaching the trip count opens it for an exponentially
// growing cooldown.
type circuits struct {
	mutex sync.Mutex
	state map[string]*circuitState
}

func (c *circuits) get(job string) *circuitState {
	if c.state == nil {
		c.state = map[string]*circuitState{}
	}
	st := c.state[job]
	if st == nil {
		st = &circuitState{}
		c.state[job] = st
	}
	return st
}

func (st *circuitState) expire(now time.Time, cfg BreakerConfig) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (c *circuits) isOpen(now time.Time, job string, cfg BreakerConfig) (bool, time.Time) {
	if !cfg.enabled() {
		return false, time.Time{}
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	st := c.get(job)
	st.expire(now, cfg)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record updates the circuit with a run result and reports whether the
// circuit is open afterwards.
func (c *circuits) record(now time.Time, job string, cfg BreakerConfig, err error) bool {
	if !cfg.enabled() {
		return false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	st := c.get(job)
	st.expire(now, cfg)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return false
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cfg.TripAfter {
		return false
	}

	delay := cfg.BaseDelay
	for i := 0; i < st.fails-cfg.TripAfter && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, cfg.MaxDelay)
	st.openUntil = now.Add(delay)
	return true
}

// open counts the circuits that are currently open.
func (c *circuits) open(now time.Time) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	count := 0
	for _, st := range c.state {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			count++
		}
	}
	return count
}
