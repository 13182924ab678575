package coru

// An execCtx is one side of a context switch: either a VPU's scheduler
// context or a coroutine's user context. Each is a binary semaphore gating
// the goroutine that embodies the context. A switch is a release of the
// target followed by an acquire of the switcher, so at any instant exactly
// one context per VPU holds the thread.
//
// The semaphore also absorbs the wake-before-park race: a vpuReady that
// fires before the victim has finished parking simply leaves the permit
// behind, and the victim's acquire consumes it immediately. No wakeup can
// be lost.
type execCtx struct {
	sema uint32
}

// resume transfers control to this context. Safe to call from any thread,
// including while the owning goroutine has not yet finished suspending.
func (c *execCtx) resume() {
	semrelease(&c.sema, true, 1)
}

// suspend blocks this context until a peer resumes it.
func (c *execCtx) suspend() {
	semacquire(&c.sema)
}

// switchTo resumes the target context and suspends the current one.
// The caller must be running on the goroutine that owns `from`.
func switchTo(from, to *execCtx) {
	to.resume()
	from.suspend()
}
