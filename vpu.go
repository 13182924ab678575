package coru

import (
	"fmt"
	"runtime"
	"sync/atomic"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Number of empty elect rounds a VPU spins through before it considers
// sleeping on the manager condition.
const maxSpinLoops = 4

// vpu is one worker: an OS-thread-locked goroutine running the scheduler
// loop. It owns ready queue rt.readyq[id]; rt.readyq[P] is the shared
// global queue.
type vpu struct {
	id int
	rt *Runtime

	// sched is the idle coroutine: the worker's own native stack captured
	// at startup. It is pinned here and never enqueued on any ready queue.
	sched *Task

	// current is the coroutine holding this VPU's thread, or sched.
	// Written by the scheduler, read by the clock source.
	current atomic.Pointer[Task]

	ticks    uatomic.Uint32
	watchdog uatomic.Uint32

	// Trampoline slot filled by vpuSyscall before control returns to the
	// scheduler context.
	schedFn  func(*vpu, *Task)
	schedArg *Task
}

// run is the OS thread body: capture the current stack as the scheduler
// coroutine's context, then enter the scheduler loop.
func (v *vpu) run(ready func()) {
	runtime.LockOSThread()

	v.sched = newTask(v.rt, nil, nil, fmt.Sprintf("sys/scheduler-%d", v.id), KindIdle, SpawnAttrs{})
	v.sched.status.Store(int32(StatusRunning))
	v.sched.vpuID.Store(int32(v.id))
	v.sched.affinity.Store(int32(v.id))
	v.current.Store(v.sched)

	ready()
	v.coreSched()
}

// coreSched is the scheduler loop. Elect order: local queue, then a
// non-blocking poll of the network readiness source, then the global queue,
// then stealing, then VFS completions. With nothing runnable past the spin
// threshold the VPU sleeps on the manager condition until a wakeup.
func (v *vpu) coreSched() {
	rt := v.rt
	for {
		rt.idleCount.Inc()
		v.watchdog.Store(0)

		var candidate *Task
		idleLoops := 0
		for candidate == nil {
			if rt.stopping.Load() {
				rt.idleCount.Dec()
				return
			}

			candidate = rt.readyq[v.id].dequeue()
			if candidate == nil {
				rt.poller.poll(false)
				candidate = v.elect()
				if candidate == nil {
					candidate = rt.vfs.getCompleted()
				}
			}

			if candidate == nil {
				idleLoops++
				if idleLoops <= maxSpinLoops && canSpin(idleLoops) {
					doSpin()
					continue
				}
				if idleLoops > maxSpinLoops {
					v.idleSleep()
					idleLoops = 0
				}
			}
		}

		rt.idleCount.Dec()

		// The queue's reference transfers to the running state.
		candidate.refs.put()

		candidate.syscall = false
		candidate.status.Store(int32(StatusRunning))
		candidate.vpuID.Store(int32(v.id))
		candidate.affinity.Store(int32(v.id))
		v.current.Store(candidate)

		// Swap to the candidate's context; control comes back through the
		// vpuSyscall trampoline (or finish, for an exiting coroutine).
		switchTo(&v.sched.ctx, &candidate.ctx)

		if fn := v.schedFn; fn != nil {
			v.schedFn = nil
			arg := v.schedArg
			v.schedArg = nil
			fn(v, arg)
		}
	}
}

// elect fetches from the global ready queue, then tries to steal from the
// other VPUs in ascending id order, skipping self.
func (v *vpu) elect() *Task {
	rt := v.rt
	if c := rt.readyq[rt.xtIndex].dequeue(); c != nil {
		return c
	}
	for i := 0; i < rt.xtIndex; i++ {
		if i == v.id {
			continue
		}
		if c := rt.readyq[i].dequeue(); c != nil {
			rt.stats.steals.Inc()
			return c
		}
	}
	return nil
}

// idleSleep parks the VPU on the manager condition. The runnable re-check
// happens under the manager lock, so a wakeup between the last elect round
// and the wait cannot be lost. The last VPU to go idle with no pollable
// I/O, no offloaded syscalls and live coroutines left declares deadlock.
func (v *vpu) idleSleep() {
	rt := v.rt
	m := &rt.mgr
	m.mu.Lock()
	m.alive--
	for !rt.stopping.Load() && !rt.anyRunnable() {
		if rt.poller.size() > 0 {
			// Someone must keep polling; spin instead of sleeping.
			break
		}
		if m.alive == 0 && !rt.vfs.working() {
			if rt.cfg.detectDeadlock() && rt.liveTasks.Load() > 0 {
				// Drop the manager lock before dumping: the dump walks
				// the wait list, and a racing wakeup walks the other way.
				m.mu.Unlock()
				rt.reportDeadlock(v.id)
			}
		}
		rt.stats.parks.Inc()
		m.cond.Wait()
	}
	m.alive++
	m.mu.Unlock()
}

// vpuReady makes a coroutine runnable: extract it from the deadlock wait
// list, enqueue on its affinity queue and wake an idle VPU. Called by
// channel peers, the poller, timers and the VFS layer.
func (rt *Runtime) vpuReady(t *Task) {
	if t == nil {
		panic("coru: ready of nil coroutine")
	}
	t.status.Store(int32(StatusReady))
	if rt.cfg.detectDeadlock() {
		rt.waitList.extract(t)
	}
	aff := t.affinity.Load()
	if aff < 0 || int(aff) >= rt.xtIndex {
		aff = int32(rt.xtIndex)
	}
	t.refs.get()
	rt.readyq[aff].enqueue(t)
	rt.stats.wakeups.Inc()
	rt.wakeupOne()
}

// wakeupOne signals the manager condition if any VPU is asleep.
func (rt *Runtime) wakeupOne() {
	m := &rt.mgr
	m.mu.Lock()
	if m.alive < len(rt.vpus) {
		m.cond.Signal()
	}
	m.mu.Unlock()
}

// coreWait runs on the scheduler stack: record the victim on the deadlock
// wait list when detection is on, commit it to WAIT, and only then release
// the lock it held across the save. The caller has already posted its own
// waiter token before suspending.
func coreWait(v *vpu, victim *Task) {
	rt := v.rt
	if rt.cfg.detectDeadlock() {
		rt.waitList.add(victim)
	}
	victim.status.Store(int32(StatusWait))
	if u := victim.unlock; u != nil {
		victim.unlock = nil
		u()
	}
}

// coreYield runs on the scheduler stack: requeue the victim on the global
// ready queue.
func coreYield(v *vpu, victim *Task) {
	victim.status.Store(int32(StatusReady))
	victim.refs.get()
	v.rt.readyq[v.rt.xtIndex].enqueue(victim)
	v.rt.wakeupOne()
}

// coreExit runs on the scheduler stack: destroy the victim. The main
// coroutine ends the whole runtime instead.
func coreExit(v *vpu, garbage *Task) {
	rt := v.rt
	garbage.status.Store(int32(StatusDead))
	garbage.wait = nil
	rt.liveTasks.Dec()
	rt.stats.exited.Inc()
	if garbage.kind == KindMain {
		rt.mainCode = garbage.code
		rt.mainOnce.Do(func() { close(rt.mainDone) })
		return
	}
	garbage.refs.put()
}

// reportDeadlock dumps every parked coroutine and aborts. A parked
// goroutine's frames are not re-enterable from a library, so the dump is
// structured records rather than stack traces.
func (rt *Runtime) reportDeadlock(vpuID int) {
	rt.log.Error("all VPUs are asleep, deadlock detected", zap.Int("vpu", vpuID))
	rt.waitList.each(func(t *Task) {
		rt.log.Error("parked coroutine", zapTaskFields(t)...)
	})
	panic("coru: deadlock, all coroutines are asleep")
}
