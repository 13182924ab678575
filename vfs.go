//go:build unix

package coru

import (
	"context"
	"sync"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

type vfsOpKind int8

const (
	vfsOpen vfsOpKind = iota
	vfsRead
	vfsWrite
	vfsLseek
	vfsFlush
	vfsClose
)

// vfsOp is one offloaded blocking syscall. The submitting coroutine parks
// until a pool worker has executed it; results travel back in place.
type vfsOp struct {
	kind   vfsOpKind
	path   string
	flags  int
	perm   uint32
	fd     int
	buf    []byte
	off    int64
	whence int

	res int64
	err error

	co *Task
}

// vfsManager is the blocking-syscall offload pool. Submissions queue under
// the manager mutex, which the submitting coroutine holds across its park;
// the dispatcher therefore cannot observe an operation before its owner is
// fully saved. A weighted semaphore bounds the syscalls in flight.
type vfsManager struct {
	rt *Runtime

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*vfsOp
	quit    bool
	stopped chan struct{}

	sem     *semaphore.Weighted
	pending uatomic.Int32

	completed *readyQueue
}

func newVFSManager(rt *Runtime) *vfsManager {
	m := &vfsManager{
		rt:        rt,
		sem:       semaphore.NewWeighted(int64(rt.cfg.VFSWorkers)),
		completed: newReadyQueue(),
		stopped:   make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *vfsManager) start() {
	go m.dispatch()
}

func (m *vfsManager) stop() {
	m.mu.Lock()
	if m.quit {
		m.mu.Unlock()
		return
	}
	m.quit = true
	m.cond.Signal()
	m.mu.Unlock()
	<-m.stopped
}

// working reports submitted operations not yet surfaced as completions;
// it keeps the deadlock detector from firing while syscalls are in flight.
func (m *vfsManager) working() bool {
	return m.pending.Load() > 0
}

func (m *vfsManager) completedPending() bool {
	return m.completed.length() > 0
}

// getCompleted hands the scheduler a coroutine whose syscall finished.
func (m *vfsManager) getCompleted() *Task {
	return m.completed.dequeue()
}

// submit queues the operation and parks the caller. Returns after a pool
// worker has executed it.
func (m *vfsManager) submit(t *Task, op *vfsOp) {
	op.co = t
	m.pending.Inc()
	m.rt.stats.vfsOps.Inc()

	m.mu.Lock()
	m.queue = append(m.queue, op)
	m.cond.Signal()
	t.suspend(nil, func() { m.mu.Unlock() })
}

func (m *vfsManager) dispatch() {
	defer close(m.stopped)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.quit {
			m.cond.Wait()
		}
		if m.quit {
			m.mu.Unlock()
			return
		}
		op := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.sem.Acquire(context.Background(), 1); err != nil {
			op.err = err
			m.finish(op)
			continue
		}
		go func(op *vfsOp) {
			defer m.sem.Release(1)
			execVFSOp(op)
			m.finish(op)
		}(op)
	}
}

// finish surfaces the completion. The pending count drops only after the
// coroutine is visible on the completion queue, so the deadlock detector
// never sees a gap.
func (m *vfsManager) finish(op *vfsOp) {
	t := op.co
	if m.rt.cfg.detectDeadlock() {
		m.rt.waitList.extract(t)
	}
	t.refs.get()
	m.completed.enqueue(t)
	m.pending.Dec()
	m.rt.wakeupOne()
	if op.err != nil {
		m.rt.log.Debug("vfs op failed",
			zap.Int8("kind", int8(op.kind)), zap.Error(op.err))
	}
}

func execVFSOp(op *vfsOp) {
	switch op.kind {
	case vfsOpen:
		fd, err := unix.Open(op.path, op.flags, op.perm)
		op.res, op.err = int64(fd), err
	case vfsRead:
		n, err := unix.Read(op.fd, op.buf)
		op.res, op.err = int64(n), err
	case vfsWrite:
		n, err := unix.Write(op.fd, op.buf)
		op.res, op.err = int64(n), err
	case vfsLseek:
		off, err := unix.Seek(op.fd, op.off, op.whence)
		op.res, op.err = off, err
	case vfsFlush:
		op.err = unix.Fsync(op.fd)
	case vfsClose:
		op.err = unix.Close(op.fd)
	}
}

// FileOpen opens a file through the offload pool.
func (rt *Runtime) FileOpen(t *Task, path string, flags int, perm uint32) (int, error) {
	op := vfsOp{kind: vfsOpen, path: path, flags: flags, perm: perm}
	rt.vfs.submit(t, &op)
	return int(op.res), op.err
}

// FileRead reads from fd at the current offset.
func (rt *Runtime) FileRead(t *Task, fd int, buf []byte) (int, error) {
	op := vfsOp{kind: vfsRead, fd: fd, buf: buf}
	rt.vfs.submit(t, &op)
	return int(op.res), op.err
}

// FileWrite writes buf at the current offset.
func (rt *Runtime) FileWrite(t *Task, fd int, buf []byte) (int, error) {
	op := vfsOp{kind: vfsWrite, fd: fd, buf: buf}
	rt.vfs.submit(t, &op)
	return int(op.res), op.err
}

// FileSeek repositions the file offset.
func (rt *Runtime) FileSeek(t *Task, fd int, off int64, whence int) (int64, error) {
	op := vfsOp{kind: vfsLseek, fd: fd, off: off, whence: whence}
	rt.vfs.submit(t, &op)
	return op.res, op.err
}

// FileFlush fsyncs fd.
func (rt *Runtime) FileFlush(t *Task, fd int) error {
	op := vfsOp{kind: vfsFlush, fd: fd}
	rt.vfs.submit(t, &op)
	return op.err
}

// FileClose closes fd.
func (rt *Runtime) FileClose(t *Task, fd int) error {
	op := vfsOp{kind: vfsClose, fd: fd}
	rt.vfs.submit(t, &op)
	return op.err
}
