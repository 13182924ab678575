package coru

import (
	"fmt"
	"sync"

	uatomic "go.uber.org/atomic"
)

// Status is the coroutine state machine:
// READY -> RUNNING -> {READY, WAIT, DEAD}; WAIT -> READY via vpuReady.
type Status int32

const (
	StatusReady Status = iota
	StatusRunning
	StatusWait
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusWait:
		return "wait"
	case StatusDead:
		return "dead"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Kind distinguishes the main coroutine, ordinary spawned coroutines, and
// the per-VPU idle (scheduler) coroutine. The idle coroutine is pinned to
// its VPU and never enqueued anywhere.
type Kind int8

const (
	KindMain Kind = iota
	KindNormal
	KindIdle
)

// EntryFunc is a coroutine body. The handle is the coroutine itself; all
// blocking runtime operations take it as their first argument.
type EntryFunc func(t *Task, arg any)

// SpawnAttrs carries optional spawn parameters. Priority is recorded but not
// consulted: the scheduler is FIFO. StackSize is ignored and not stored:
// stacks belong to the goroutines backing each coroutine.
type SpawnAttrs struct {
	Priority  int
	StackSize int
}

// Task is a coroutine record.
type Task struct {
	id    uint32
	name  string
	kind  Kind
	prio  int
	entry EntryFunc
	arg   any

	rt *Runtime

	// ctx is the saved machine context: the gate parking the backing
	// goroutine whenever the coroutine is not elected.
	ctx execCtx

	status uatomic.Int32

	// vpuID is the VPU currently or most recently running this coroutine;
	// affinity is where a wakeup enqueues it.
	vpuID    uatomic.Int32
	affinity uatomic.Int32

	// syscall is true while control is on the scheduler stack on this
	// coroutine's behalf.
	syscall bool

	// wait is the queue this coroutine is parked on, for diagnostics; the
	// token itself lives in the suspended frame.
	wait *waitQueue

	// unlock releases the lock held across the context save. The scheduler
	// invokes it on the victim's behalf strictly after the save completes.
	unlock func()

	// qtag is the select claim tag: CAS from nil to the winning channel.
	qtag uatomic.UnsafePointer

	// resched is set by the watchdog; honored at the next safepoint.
	resched uatomic.Bool

	code int

	wl   waitLink
	refs refcnt
}

// waitLink threads a coroutine onto the global wait list used by deadlock
// detection, independent of any channel wait queue membership.
type waitLink struct {
	prev, next *Task
	linked     bool
}

type taskList struct {
	mu   sync.Mutex
	head *Task
	tail *Task
}

func (l *taskList) add(t *Task) {
	l.mu.Lock()
	if t.wl.linked {
		l.mu.Unlock()
		return
	}
	t.wl.prev = l.tail
	t.wl.next = nil
	if l.tail != nil {
		l.tail.wl.next = t
	} else {
		l.head = t
	}
	l.tail = t
	t.wl.linked = true
	l.mu.Unlock()
}

func (l *taskList) extract(t *Task) {
	l.mu.Lock()
	if t.wl.linked {
		if t.wl.prev != nil {
			t.wl.prev.wl.next = t.wl.next
		} else {
			l.head = t.wl.next
		}
		if t.wl.next != nil {
			t.wl.next.wl.prev = t.wl.prev
		} else {
			l.tail = t.wl.prev
		}
		t.wl.prev = nil
		t.wl.next = nil
		t.wl.linked = false
	}
	l.mu.Unlock()
}

// each visits every parked coroutine under the list lock.
func (l *taskList) each(fn func(*Task)) {
	l.mu.Lock()
	for t := l.head; t != nil; t = t.wl.next {
		fn(t)
	}
	l.mu.Unlock()
}

func newTask(rt *Runtime, entry EntryFunc, arg any, name string, kind Kind, attrs SpawnAttrs) *Task {
	t := &Task{
		id:    rt.lastPid.Inc(),
		name:  name,
		kind:  kind,
		prio:  attrs.Priority,
		entry: entry,
		arg:   arg,
		rt:    rt,
	}
	t.status.Store(int32(StatusReady))
	t.vpuID.Store(-1)
	t.affinity.Store(-1)
	t.refs.init(nil)
	return t
}

// taskExit is the panic payload Exit uses to unwind the coroutine body.
type taskExit struct {
	code int
}

// main is the backing goroutine body for a spawned coroutine. It stays
// parked until the first election, runs the entry, and hands the record to
// the scheduler stack for destruction; the stack in use cannot free itself.
func (t *Task) main() {
	t.ctx.suspend()

	defer func() {
		r := recover()
		if r != nil {
			e, ok := r.(taskExit)
			if !ok {
				t.rt.log.Error("coroutine panicked",
					zapTaskFields(t)...)
				panic(r)
			}
			t.code = e.code
		}
		t.finish()
	}()

	t.entry(t, t.arg)
}

// finish transfers control to the scheduler for destruction and lets the
// backing goroutine return. Unlike vpuSyscall there is no re-park: this
// context is never resumed again.
func (t *Task) finish() {
	v := t.rt.vpus[t.vpuID.Load()]
	t.syscall = true
	v.schedFn = coreExit
	v.schedArg = t
	v.current.Store(v.sched)
	v.sched.ctx.resume()
}

// Runtime returns the runtime this coroutine belongs to.
func (t *Task) Runtime() *Runtime { return t.rt }

// ID returns the coroutine id.
func (t *Task) ID() uint32 { return t.id }

// Name returns the spawn name.
func (t *Task) Name() string { return t.name }

// Status returns the current scheduler state.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// VPU returns the id of the VPU currently or most recently running this
// coroutine, -1 before the first election.
func (t *Task) VPU() int { return int(t.vpuID.Load()) }

// Priority returns the spawn priority attribute.
func (t *Task) Priority() int { return t.prio }

// Acquire takes an additional reference on the coroutine record.
func (t *Task) Acquire() *Task {
	t.refs.get()
	return t
}

// Release drops a reference taken by the creator or Acquire.
func (t *Task) Release() {
	t.refs.put()
}

// Yield reschedules voluntarily: the coroutine goes back on the global
// ready queue and the VPU elects someone else.
func (t *Task) Yield() {
	t.rt.stats.yields.Inc()
	t.vpuSyscall(coreYield)
}

// Exit terminates the coroutine with the given code. For the main coroutine
// this ends the Run call; for normal coroutines the record is destroyed on
// the scheduler stack. Never returns.
func (t *Task) Exit(code int) {
	panic(taskExit{code: code})
}

// Checkpoint is an explicit safepoint: if the watchdog has flagged this
// coroutine for rescheduling, it yields. Channel and select entry points
// perform the same check.
func (t *Task) Checkpoint() {
	t.enterRuntime()
}

func (t *Task) enterRuntime() {
	if t.resched.Load() {
		t.resched.Store(false)
		t.rt.stats.preempts.Inc()
		t.vpuSyscall(coreYield)
	}
}

// suspend parks the coroutine. The caller has already posted its waiter
// token; unlock releases the lock(s) held across the save and is invoked on
// the scheduler stack only after the save is complete, so no peer can
// observe the token while this context is in an ill state.
func (t *Task) suspend(wq *waitQueue, unlock func()) {
	t.wait = wq
	t.unlock = unlock
	t.vpuSyscall(coreWait)
}

// vpuSyscall saves this context, records fn in the scheduler slot and
// restores the scheduler context. The scheduler invokes fn(self) on its own
// stack. Control returns here when the coroutine is next elected.
func (t *Task) vpuSyscall(fn func(*vpu, *Task)) {
	id := t.vpuID.Load()
	if id < 0 {
		panic("coru: runtime call outside a running coroutine")
	}
	v := t.rt.vpus[id]
	t.syscall = true
	v.schedFn = fn
	v.schedArg = t
	v.current.Store(v.sched)
	switchTo(&t.ctx, &v.sched.ctx)
}
