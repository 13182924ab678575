//go:build linux

package coru

import (
	"time"

	"golang.org/x/sys/unix"
)

// NetNonblock switches an fd to non-blocking mode, the precondition for the
// poller-driven read/write helpers below.
func NetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// NetRead fills buf from fd, parking on the poller whenever the read would
// block. Returns the number of bytes read; short only on EOF or error.
func (rt *Runtime) NetRead(t *Task, fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		m, err := unix.Read(fd, buf[total:])
		if err == unix.EAGAIN {
			rt.NetWait(t, fd, PollRead)
			continue
		}
		if err != nil {
			return total, err
		}
		if m == 0 {
			break
		}
		total += m
	}
	return total, nil
}

// NetTimedRead is a single read with a deadline spanning its park/retry
// cycles. ErrDeadline reports the deadline fired before any data arrived.
func (rt *Runtime) NetTimedRead(t *Task, fd int, buf []byte, timeout time.Duration) (int, error) {
	start := nanotime()
	for {
		m, err := unix.Read(fd, buf)
		if err != unix.EAGAIN {
			return m, err
		}
		remaining := timeout - time.Duration(nanotime()-start)
		if remaining <= 0 {
			return 0, ErrDeadline
		}
		if rt.NetTimedWait(t, fd, PollRead, remaining) == PollNone {
			return 0, ErrDeadline
		}
	}
}

// NetWrite drains buf into fd, parking on the poller whenever the write
// would block.
func (rt *Runtime) NetWrite(t *Task, fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		m, err := unix.Write(fd, buf[total:])
		if err == unix.EAGAIN {
			rt.NetWait(t, fd, PollWrite)
			continue
		}
		if err != nil {
			return total, err
		}
		if m == 0 {
			break
		}
		total += m
	}
	return total, nil
}
