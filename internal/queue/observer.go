package queue

// Observer receives a callback for every state transition the engine
// completes. Implementations must be safe for concurrent use.
type Observer interface {
	Enqueued(queue string, n int)
	Claimed(queue string)
	Renewed(queue string)
	Completed(queue string)
	DeadLettered(queue string)
	Reaped(queue string, n int64)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) Enqueued(string, int) {}
func (NoopObserver) Claimed(string)       {}
func (NoopObserver) Renewed(string)       {}
func (NoopObserver) Completed(string)     {}
func (NoopObserver) DeadLettered(string)  {}
func (NoopObserver) Reaped(string, int64) {}
