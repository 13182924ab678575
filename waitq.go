package coru

// waitQueue is the plain flavor of queue: an intrusive doubly-linked list
// with a length counter, always manipulated under an external lock (the
// owning channel's mutex). It supports removal from arbitrary positions,
// which select needs to extract its losing tokens.
type waitQueue struct {
	head  *waitItem
	tail  *waitItem
	count int
}

type waitItem struct {
	prev, next *waitItem
	owner      *quantum
	linked     bool
}

// add appends an item at the tail.
func (q *waitQueue) add(it *waitItem) {
	it.prev = q.tail
	it.next = nil
	if q.tail != nil {
		q.tail.next = it
	} else {
		q.head = it
	}
	q.tail = it
	it.linked = true
	q.count++
}

// pop removes and returns the head item, or nil.
func (q *waitQueue) pop() *waitItem {
	it := q.head
	if it == nil {
		return nil
	}
	q.extract(it)
	return it
}

// extract unlinks an item from any position. No-op if already unlinked.
func (q *waitQueue) extract(it *waitItem) {
	if !it.linked {
		return
	}
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		q.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		q.tail = it.prev
	}
	it.prev = nil
	it.next = nil
	it.linked = false
	q.count--
}

// lookup returns the first quantum matching the predicate without unlinking it.
func (q *waitQueue) lookup(match func(*quantum) bool) *quantum {
	for it := q.head; it != nil; it = it.next {
		if match(it.owner) {
			return it.owner
		}
	}
	return nil
}

func (q *waitQueue) empty() bool {
	return q.head == nil
}

// fetch pops waiters until one may be consumed. A token posted by a select
// call is consumable only if this channel wins the CAS on the owning
// coroutine's claim tag; losing tokens were already satisfied through
// another channel and are dropped. Plain tokens are always consumed.
func (q *waitQueue) fetch(owner *chanBase) *quantum {
	for {
		it := q.pop()
		if it == nil {
			return nil
		}
		w := it.owner
		if !w.sel || w.co.qtag.CAS(nil, ptrOf(owner)) {
			return w
		}
	}
}
