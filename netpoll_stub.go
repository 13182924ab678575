//go:build !linux

package coru

// Inert poll driver for platforms without an epoll backend. Reporting size
// zero keeps the idle VPUs and the deadlock detector honest.
type poller struct {
	rt *Runtime
}

func newPoller(rt *Runtime) *poller { return &poller{rt: rt} }

func (p *poller) start() {
	p.rt.log.Info("netpoll unavailable on this platform")
}

func (p *poller) stop()           {}
func (p *poller) poll(block bool) {}
func (p *poller) size() int32     { return 0 }
