//go:build !unix

package coru

// Inert offload pool for platforms without the unix syscall surface.
type vfsManager struct {
	rt *Runtime
}

func newVFSManager(rt *Runtime) *vfsManager { return &vfsManager{rt: rt} }

func (m *vfsManager) start() {
	m.rt.log.Info("vfs offload unavailable on this platform")
}

func (m *vfsManager) stop()                  {}
func (m *vfsManager) working() bool          { return false }
func (m *vfsManager) completedPending() bool { return false }
func (m *vfsManager) getCompleted() *Task    { return nil }
