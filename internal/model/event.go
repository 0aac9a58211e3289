package model

// AppEvent is the envelope redelivered to the event loop. The set of
// variants is closed.
type AppEvent interface {
	isAppEvent()
}

// RequestEvent carries a deferred run request (debounce, interval).
type RequestEvent struct {
	Request TaskRequest
}

// CompletionEvent carries a finished invocation back from a worker.
type CompletionEvent struct {
	Completion TaskCompletion
}

// ReloadEvent carries a freshly loaded set of task definitions.
type ReloadEvent struct {
	Specs         []TaskSpec
	Subscriptions []TaskSubscription
}

func (RequestEvent) isAppEvent()    {}
func (CompletionEvent) isAppEvent() {}
func (ReloadEvent) isAppEvent()     {}
