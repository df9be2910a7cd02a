// Package observer provides intrusive observer lists with
// modification-safe notification: handlers may attach or detach any
// observer, including themselves, while a notification is in progress.
package observer

// Observer is one subscription. The zero value is detached. Data carries
// whatever the subscriber needs to route the notification.
type Observer struct {
	Data any

	list   *Observable
	next   *Observer
	prev   *Observer
	cursor bool
}

// IsActive reports whether the observer is attached to a list.
func (o *Observer) IsActive() bool {
	return o.list != nil
}

// Reset detaches the observer if attached. Safe during notification.
func (o *Observer) Reset() {
	if o.list == nil {
		return
	}
	o.list.unlink(o)
	o.list = nil
}

// Observable is a list of observers. The zero value is empty and ready.
type Observable struct {
	first *Observer
}

// HasObservers reports whether any non-cursor observer is attached.
func (l *Observable) HasObservers() bool {
	for o := l.first; o != nil; o = o.next {
		if !o.cursor {
			return true
		}
	}
	return false
}

// Attach prepends the observer. It must be detached.
func (l *Observable) Attach(o *Observer) {
	if o.list != nil {
		panic("observer: attach of attached observer")
	}
	o.list = l
	o.prev = nil
	o.next = l.first
	if l.first != nil {
		l.first.prev = o
	}
	l.first = o
}

func (l *Observable) unlink(o *Observer) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.first = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	}
	o.next = nil
	o.prev = nil
}

// Notify invokes f for each attached observer. A cursor marker tracks the
// iteration position, so handlers may detach or attach observers freely;
// observers attached during notification are not visited this round.
func (l *Observable) Notify(f func(data any)) {
	cur := Observer{cursor: true, list: l}
	cur.next = l.first
	if l.first != nil {
		l.first.prev = &cur
	}
	l.first = &cur

	for {
		target := cur.next
		if target == nil {
			break
		}
		// Move the cursor past the target before calling out.
		l.unlink(&cur)
		cur.prev = target
		cur.next = target.next
		if target.next != nil {
			target.next.prev = &cur
		}
		target.next = &cur
		if !target.cursor {
			f(target.Data)
		}
	}
	l.unlink(&cur)
	cur.list = nil
}
