package coru

import (
	"sync"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Runtime is the VPU manager: the VPU table, the P+1 ready queues (index P
// is the shared global queue), the pid counter, the idle bookkeeping and the
// collaborator subsystems. It is an explicit object rather than process
// state, so several runtimes can coexist in one binary.
type Runtime struct {
	cfg Config
	log *zap.Logger

	vpus    []*vpu
	readyq  []*readyQueue
	xtIndex int

	lastPid   uatomic.Uint32
	liveTasks uatomic.Int32
	idleCount uatomic.Int32

	mgr struct {
		mu    sync.Mutex
		cond  *sync.Cond
		alive int
	}

	// waitList tracks parked coroutines for the deadlock dump.
	waitList taskList

	poller *poller
	vfs    *vfsManager
	clock  *clock

	stats stats

	stopping uatomic.Bool
	started  bool

	mainTask *Task
	mainCode int
	mainDone chan struct{}
	mainOnce sync.Once
}

// New builds a runtime from the config. Boot starts it.
func New(cfg Config) *Runtime {
	cfg = cfg.normalized()
	rt := &Runtime{
		cfg:      cfg,
		log:      cfg.Logger,
		xtIndex:  cfg.VPUs,
		mainDone: make(chan struct{}),
	}
	rt.mgr.cond = sync.NewCond(&rt.mgr.mu)
	rt.readyq = make([]*readyQueue, cfg.VPUs+1)
	for i := range rt.readyq {
		rt.readyq[i] = newReadyQueue()
	}
	rt.vpus = make([]*vpu, cfg.VPUs)
	for i := range rt.vpus {
		rt.vpus[i] = &vpu{id: i, rt: rt}
	}
	rt.poller = newPoller(rt)
	rt.vfs = newVFSManager(rt)
	rt.clock = newClock(rt)
	return rt
}

// Boot starts the VPU threads and the collaborator subsystems. It returns
// once every scheduler context is captured.
func (rt *Runtime) Boot() {
	if rt.started {
		panic("coru: runtime booted twice")
	}
	rt.started = true
	rt.mgr.alive = len(rt.vpus)

	var barrier sync.WaitGroup
	barrier.Add(len(rt.vpus))
	for _, v := range rt.vpus {
		go v.run(barrier.Done)
	}
	barrier.Wait()

	if rt.cfg.EnableNetpoll {
		rt.poller.start()
	}
	rt.vfs.start()
	if rt.cfg.EnableClock {
		rt.clock.start()
	}
	rt.log.Info("runtime booted",
		zap.Int("vpus", rt.xtIndex),
		zap.Bool("clock", rt.cfg.EnableClock),
		zap.Bool("netpoll", rt.cfg.EnableNetpoll))
}

// Shutdown stops the VPUs, the clock, the poller and the VFS pool.
// Idempotent. Coroutines parked at shutdown never resume.
func (rt *Runtime) Shutdown() {
	if !rt.stopping.CAS(false, true) {
		return
	}
	rt.mgr.mu.Lock()
	rt.mgr.cond.Broadcast()
	rt.mgr.mu.Unlock()
	rt.clock.stop()
	rt.vfs.stop()
	rt.poller.stop()
	rt.log.Info("runtime stopped")
}

// Spawn allocates a coroutine running entry(arg), READY on the global
// queue. The returned handle carries the creator's reference.
func (rt *Runtime) Spawn(entry EntryFunc, arg any, name string, attrs SpawnAttrs) *Task {
	return rt.spawn(entry, arg, name, KindNormal, attrs)
}

func (rt *Runtime) spawn(entry EntryFunc, arg any, name string, kind Kind, attrs SpawnAttrs) *Task {
	if entry == nil {
		panic("coru: spawn with nil entry")
	}
	t := newTask(rt, entry, arg, name, kind, attrs)
	rt.liveTasks.Inc()
	rt.stats.spawned.Inc()
	go t.main()

	t.refs.get()
	rt.readyq[rt.xtIndex].enqueue(t)
	rt.wakeupOne()
	return t
}

// Run boots a runtime, runs entry as the MAIN coroutine, waits for it to
// exit and shuts everything down. The main exit code is returned; exiting
// main is the library equivalent of terminating the process.
func Run(cfg Config, entry EntryFunc, arg any) int {
	rt := New(cfg)
	rt.Boot()
	rt.mainTask = rt.spawn(entry, arg, "init", KindMain, SpawnAttrs{})
	<-rt.mainDone
	rt.Shutdown()
	return rt.mainCode
}

// anyRunnable reports whether any ready queue or the VFS completion queue
// holds work. Called under the manager lock by a VPU about to sleep.
func (rt *Runtime) anyRunnable() bool {
	for _, q := range rt.readyq {
		if q.length() > 0 {
			return true
		}
	}
	return rt.vfs.completedPending()
}

// Stats returns a snapshot of the runtime counters.
func (rt *Runtime) Stats() StatsSnapshot {
	return rt.stats.snapshot(rt)
}
