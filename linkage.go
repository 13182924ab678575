package coru

import (
	_ "unsafe"
)

// Linking with the runtime's semaphore layer lets the scheduler hand a VPU's
// OS thread between execution contexts without spinning or allocating.
// These are the same primitives sync.Mutex blocks on, pulled the usual way.
//
// An alternative is loading the goroutine stack pointer through assembly
// stubs as demonstrated in https://github.com/sitano/gsysint

// semacquire waits until *s > 0 and then atomically decrements it.
//
//go:linkname semacquire sync.runtime_Semacquire
func semacquire(s *uint32)

// semrelease atomically increments *s and notifies a waiting goroutine if one
// is blocked in semacquire. If handoff is true, the count is passed directly
// to the first waiter.
//
//go:linkname semrelease sync.runtime_Semrelease
func semrelease(s *uint32, handoff bool, skipframes int)

// canSpin reports whether spinning makes sense at the moment.
//
//go:linkname canSpin sync.runtime_canSpin
func canSpin(i int) bool

// doSpin does active spinning.
//
//go:linkname doSpin sync.runtime_doSpin
func doSpin()

// nanotime is the runtime's monotonic clock.
//
//go:linkname nanotime runtime.nanotime
func nanotime() int64
