//go:build linux

package coru

import (
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// PollMode selects the readiness direction of a wait. A zero result from a
// timed wait means the deadline fired first.
type PollMode int32

const (
	PollNone  PollMode = 0
	PollRead  PollMode = 1
	PollWrite PollMode = 2
)

// pollDesc binds an fd, a direction, the parked coroutine and an optional
// deadline timer. The done flag arbitrates between readiness and timeout;
// whichever side wins the CAS removes the descriptor and wakes the waiter.
// The mutex is the suspend lock: it is released only after the waiter's
// context save completes, so no side can wake a coroutine that has not
// finished parking.
type pollDesc struct {
	mu    sync.Mutex
	fd    int
	mode  uatomic.Int32
	done  uatomic.Bool
	co    *Task
	timer *time.Timer
	refs  refcnt
}

// poller is the epoll driver. Every scheduler iteration with empty queues
// sweeps it non-blocking; an eventfd kick unblocks a sweep on shutdown.
type poller struct {
	rt      *Runtime
	enabled uatomic.Bool
	epfd    int
	wakefd  int

	mu    sync.Mutex
	descs map[int]*pollDesc
	count uatomic.Int32
}

func newPoller(rt *Runtime) *poller {
	return &poller{rt: rt, epfd: -1, wakefd: -1}
}

func (p *poller) start() {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		p.rt.log.Warn("netpoll disabled, epoll_create failed", zap.Error(err))
		return
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		p.rt.log.Warn("netpoll disabled, eventfd failed", zap.Error(err))
		return
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakefd)
		p.rt.log.Warn("netpoll disabled, epoll_ctl failed", zap.Error(err))
		return
	}
	p.epfd = epfd
	p.wakefd = wakefd
	p.descs = make(map[int]*pollDesc)
	p.enabled.Store(true)
}

func (p *poller) stop() {
	if !p.enabled.CAS(true, false) {
		return
	}
	p.kick()
	p.mu.Lock()
	unix.Close(p.epfd)
	unix.Close(p.wakefd)
	p.descs = nil
	p.mu.Unlock()
}

// kick forces a blocking sweep to return.
func (p *poller) kick() {
	var one = [8]byte{7: 1}
	unix.Write(p.wakefd, one[:])
}

func (p *poller) size() int32 {
	return p.count.Load()
}

// add registers a descriptor. One-shot: the event disarms after firing, and
// complete removes the registration entirely.
func (p *poller) add(d *pollDesc) error {
	events := uint32(unix.EPOLLONESHOT | unix.EPOLLRDHUP)
	if PollMode(d.mode.Load()) == PollWrite {
		events |= unix.EPOLLOUT
	} else {
		events |= unix.EPOLLIN
	}
	p.mu.Lock()
	if p.descs == nil {
		p.mu.Unlock()
		return unix.EBADF
	}
	p.descs[d.fd] = d
	p.mu.Unlock()
	p.count.Inc()

	ev := unix.EpollEvent{Events: events, Fd: int32(d.fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, d.fd, &ev); err != nil {
		p.remove(d)
		return err
	}
	return nil
}

func (p *poller) remove(d *pollDesc) {
	p.mu.Lock()
	if p.descs != nil {
		if _, ok := p.descs[d.fd]; ok {
			delete(p.descs, d.fd)
			p.count.Dec()
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, d.fd, nil)
		}
	}
	p.mu.Unlock()
}

// poll sweeps ready events. Non-blocking on the scheduler path; readiness
// unparks waiters through vpuReady.
func (p *poller) poll(block bool) {
	if !p.enabled.Load() {
		return
	}
	p.rt.stats.polls.Inc()
	timeout := 0
	if block {
		timeout = -1
	}
	var events [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeout)
	if err != nil {
		// EINTR, or the fds were closed under us during shutdown.
		return
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == p.wakefd {
			var buf [8]byte
			unix.Read(p.wakefd, buf[:])
			continue
		}
		p.mu.Lock()
		d := p.descs[fd]
		p.mu.Unlock()
		if d != nil {
			p.complete(d, PollMode(d.mode.Load()))
		}
	}
}

// complete resolves a descriptor exactly once, against the racing deadline.
// The descriptor lock must be released before vpuReady: the woken waiter
// owns the descriptor again the moment it resumes.
func (p *poller) complete(d *pollDesc, mode PollMode) {
	d.mu.Lock()
	if !d.done.CAS(false, true) {
		d.mu.Unlock()
		return
	}
	p.remove(d)
	d.mode.Store(int32(mode))
	d.mu.Unlock()
	p.rt.vpuReady(d.co)
}

// timeoutWake is the deadline side of the race: deliver mode zero.
func (p *poller) timeoutWake(d *pollDesc) {
	d.mu.Lock()
	if !d.done.CAS(false, true) {
		d.mu.Unlock()
		return
	}
	p.remove(d)
	d.mode.Store(int32(PollNone))
	d.mu.Unlock()
	p.rt.vpuReady(d.co)
}

// NetWait parks the coroutine until fd is ready in the given mode.
func (rt *Runtime) NetWait(t *Task, fd int, mode PollMode) PollMode {
	return rt.netWait(t, fd, mode, 0)
}

// NetTimedWait is NetWait with a deadline; PollNone reports the deadline
// fired first.
func (rt *Runtime) NetTimedWait(t *Task, fd int, mode PollMode, timeout time.Duration) PollMode {
	return rt.netWait(t, fd, mode, timeout)
}

func (rt *Runtime) netWait(t *Task, fd int, mode PollMode, timeout time.Duration) PollMode {
	p := rt.poller
	if !p.enabled.Load() {
		return mode
	}
	d := &pollDesc{fd: fd, co: t}
	d.mode.Store(int32(mode))
	d.refs.init(nil)

	// The descriptor is visible to the poller and the deadline timer from
	// the moment it is registered, so hold its lock across the park; the
	// scheduler releases it after the save completes.
	d.mu.Lock()
	if err := p.add(d); err != nil {
		d.done.Store(true)
		d.mu.Unlock()
		rt.log.Warn("netpoll add failed", zap.Int("fd", fd), zap.Error(err))
		return mode
	}
	if timeout > 0 {
		d.refs.get()
		d.timer = time.AfterFunc(timeout, func() {
			p.timeoutWake(d)
			d.refs.put()
		})
	}
	t.suspend(nil, d.mu.Unlock)

	if d.timer != nil {
		d.timer.Stop()
	}
	got := PollMode(d.mode.Load())
	d.refs.put()
	return got
}
