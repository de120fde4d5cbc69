package writeback

import "sync"

// adaptiveState is the per-worker {NORMAL,BACKLOG,IDLE} machine from
// spec.md §4.3, with hysteresis on entry/exit thresholds.
type adaptiveState int8

const (
	stateNormal adaptiveState = iota
	stateBacklog
	stateIdle
)

// adaptiveControl tracks one worker's base/current batch size and poll
// interval, recomputed every AdjustInterval by sampling queue depth.
type adaptiveControl struct {
	mu sync.Mutex

	baseBatch    int
	baseInterval int64 // ms

	backlogThreshold int
	idleThreshold    int

	state           adaptiveState
	currentBatch    int
	currentInterval int64
}

func newAdaptiveControl(baseBatch int, baseIntervalMs int64, backlogThreshold, idleThreshold int) *adaptiveControl {
	return &adaptiveControl{
		baseBatch:        baseBatch,
		baseInterval:     baseIntervalMs,
		backlogThreshold: backlogThreshold,
		idleThreshold:    idleThreshold,
		state:            stateNormal,
		currentBatch:     baseBatch,
		currentInterval:  baseIntervalMs,
	}
}

// Sample applies one adjustment tick given the current queue depth,
// following the transition/hysteresis rules in spec.md §4.3:
//   - NORMAL -> BACKLOG when q > backlogThreshold
//   - NORMAL -> IDLE when q < idleThreshold
//   - BACKLOG exits only when q < backlogThreshold * 0.8
//   - IDLE exits only when q > idleThreshold * 1.25
//
// In BACKLOG: interval = base/2, batch = base*2. In IDLE: interval = base*2,
// batch = base/2. In NORMAL: both restore to base. A floor of 1 applies to
// both values.
func (a *adaptiveControl) Sample(queueDepth int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case stateNormal:
		if queueDepth > a.backlogThreshold {
			a.state = stateBacklog
		} else if queueDepth < a.idleThreshold {
			a.state = stateIdle
		}
	case stateBacklog:
		if float64(queueDepth) < float64(a.backlogThreshold)*0.8 {
			a.state = stateNormal
		}
	case stateIdle:
		if float64(queueDepth) > float64(a.idleThreshold)*1.25 {
			a.state = stateNormal
		}
	}

	switch a.state {
	case stateBacklog:
		a.currentInterval = floor1(a.baseInterval / 2)
		a.currentBatch = floor1(a.baseBatch * 2)
	case stateIdle:
		a.currentInterval = floor1(a.baseInterval * 2)
		a.currentBatch = floor1(a.baseBatch / 2)
	default:
		a.currentInterval = a.baseInterval
		a.currentBatch = a.baseBatch
	}
}

func floor1[T ~int | ~int64](v T) T {
	if v < 1 {
		return 1
	}

	return v
}

// BatchSize returns the current adaptive batch size.
func (a *adaptiveControl) BatchSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.currentBatch
}

// IntervalMs returns the current adaptive poll interval, in milliseconds.
func (a *adaptiveControl) IntervalMs() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.currentInterval
}

// State returns the current adaptive state, exposed for tests/metrics.
func (a *adaptiveControl) State() adaptiveState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}
