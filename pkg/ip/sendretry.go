package ip

import "github.com/malbeclabs/tapstack/pkg/observer"

// SendRetryRequest registers a would-be sender with a resolution mechanism
// (the ARP cache) to be called back when sending may succeed. Delivery is
// best effort: a request can be dropped without callback if the resolution
// attempt is abandoned.
type SendRetryRequest struct {
	ob      observer.Observer
	handler func()
}

// InitSendRetry prepares the request with its retry callback.
func (r *SendRetryRequest) InitSendRetry(handler func()) {
	r.handler = handler
	r.ob.Data = r
}

// Reset detaches the request from any list.
func (r *SendRetryRequest) Reset() {
	r.ob.Reset()
}

// IsQueued reports whether the request awaits a callback.
func (r *SendRetryRequest) IsQueued() bool {
	return r.ob.IsActive()
}

// SendRetryList is the resolution side: the ARP cache keeps one per entry.
type SendRetryList struct {
	obs observer.Observable
}

// Add queues a request, detaching it from any previous list first.
func (l *SendRetryList) Add(r *SendRetryRequest) {
	if r == nil {
		return
	}
	r.ob.Reset()
	l.obs.Attach(&r.ob)
}

// Dispatch detaches and invokes every queued request. Handlers may
// re-queue themselves; requests added during dispatch are not invoked
// this round.
func (l *SendRetryList) Dispatch() {
	l.obs.Notify(func(data any) {
		r := data.(*SendRetryRequest)
		r.ob.Reset()
		r.handler()
	})
}

// Drop detaches every queued request without calling it.
func (l *SendRetryList) Drop() {
	l.obs.Notify(func(data any) {
		data.(*SendRetryRequest).ob.Reset()
	})
}
