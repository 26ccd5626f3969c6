package filesystem

import "sync/atomic"

// Observer records filesystem operation metrics. The metrics package
// provides the implementation, which keeps filesystem free of a
// dependency on Prometheus.
type Observer interface {
	// ObserveOperation records duration and error status for one operation.
	// volume is the resolved label ("cache", "database", "source").
	ObserveOperation(volume, operation string, durationSeconds float64, err error)

	ObserveRetryAttempt(op, volume string)
	ObserveRetrySuccess(op, volume string)
	ObserveRetryFailure(op, volume string)
	ObserveStaleError(op, volume string)
}

type observerHolder struct{ o Observer }

var defaultObserver atomic.Pointer[observerHolder]

// SetObserver sets the package-level metrics observer. A nil observer
// disables recording.
func SetObserver(o Observer) {
	defaultObserver.Store(&observerHolder{o: o})
}

// observe returns the current observer or nil.
func observe() Observer {
	if h := defaultObserver.Load(); h != nil {
		return h.o
	}
	return nil
}
