package worker

import "time"

// Observer receives pool events, typically for metrics.
type Observer interface {
	ObserveWorkers(n int)
	ObserveServeError()
}

type noopObserver struct{}

func (noopObserver) ObserveWorkers(int) {}
func (noopObserver) ObserveServeError() {}

// Default pool settings.
const (
	DefaultMinWorkers = 5
	DefaultMaxWorkers = 100
	DefaultSpawnDelay = 10 * time.Millisecond

	// noWaitersPoll bounds each wait of the growth supervisor so it notices Stop.
	noWaitersPoll = 100 * time.Millisecond
)

// State is what a worker is currently doing.
type State int32

const (
	StateWaiting State = iota
	StateServing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	default:
		return "waiting"
	}
}
