package mutex

// callbackList is an ordered, append-only sequence of user hooks. No
// removal is required (spec.md §9).
type callbackList struct {
	fns []func()
}

func (l *callbackList) register(fn func()) {
	l.fns = append(l.fns, fn)
}

// fire invokes every registered hook in registration order. Callers must
// only do this from Pump, at the end of a dispatch pass, per spec.md §4.4:
// callbacks fire synchronously during pump and never inside Request or
// Release, so user code never observes a half-transitioned instance and
// can never reenter the state machine mid-transition.
func (l *callbackList) fire() {
	for _, fn := range l.fns {
		fn()
	}
}

// eventKind is a scheduled callback-firing reason, queued while handling a
// message or servicing a Request/Release call, and drained by the
// next Pump.
type eventKind int

const (
	eventGranted eventKind = iota
	eventDenied
	eventReleased
	eventHolderLost
)
