package coru

import (
	"github.com/prometheus/client_golang/prometheus"
	uatomic "go.uber.org/atomic"
)

// stats are the runtime counters, updated on scheduler paths with plain
// atomic increments.
type stats struct {
	spawned  uatomic.Int64
	exited   uatomic.Int64
	yields   uatomic.Int64
	preempts uatomic.Int64
	steals   uatomic.Int64
	parks    uatomic.Int64
	wakeups  uatomic.Int64
	polls    uatomic.Int64
	vfsOps   uatomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Spawned   int64
	Exited    int64
	Yields    int64
	Preempts  int64
	Steals    int64
	Parks     int64
	Wakeups   int64
	Polls     int64
	VFSOps    int64
	Runnable  int64
	LiveTasks int32
}

func (s *stats) snapshot(rt *Runtime) StatsSnapshot {
	var runnable int64
	for _, q := range rt.readyq {
		runnable += q.length()
	}
	return StatsSnapshot{
		Spawned:   s.spawned.Load(),
		Exited:    s.exited.Load(),
		Yields:    s.yields.Load(),
		Preempts:  s.preempts.Load(),
		Steals:    s.steals.Load(),
		Parks:     s.parks.Load(),
		Wakeups:   s.wakeups.Load(),
		Polls:     s.polls.Load(),
		VFSOps:    s.vfsOps.Load(),
		Runnable:  runnable,
		LiveTasks: rt.liveTasks.Load(),
	}
}

// Collector exposes the runtime counters as prometheus metrics.
type Collector struct {
	rt *Runtime

	spawned  *prometheus.Desc
	exited   *prometheus.Desc
	yields   *prometheus.Desc
	preempts *prometheus.Desc
	steals   *prometheus.Desc
	parks    *prometheus.Desc
	wakeups  *prometheus.Desc
	polls    *prometheus.Desc
	vfsOps   *prometheus.Desc
	runnable *prometheus.Desc
	live     *prometheus.Desc
}

// NewCollector builds a prometheus collector for the runtime. Register it
// on any registry; the runtime itself does not serve metrics.
func NewCollector(rt *Runtime, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "coru", name), help, nil, nil)
	}
	return &Collector{
		rt:       rt,
		spawned:  desc("coroutines_spawned_total", "Coroutines spawned."),
		exited:   desc("coroutines_exited_total", "Coroutines exited."),
		yields:   desc("yields_total", "Voluntary reschedules."),
		preempts: desc("watchdog_preempts_total", "Watchdog-forced yields."),
		steals:   desc("steals_total", "Coroutines stolen from sibling VPUs."),
		parks:    desc("vpu_parks_total", "VPU sleeps on the manager condition."),
		wakeups:  desc("wakeups_total", "Coroutines made ready."),
		polls:    desc("netpoll_polls_total", "Non-blocking poller sweeps."),
		vfsOps:   desc("vfs_ops_total", "Blocking syscalls offloaded."),
		runnable: desc("runnable", "Coroutines sitting on ready queues."),
		live:     desc("coroutines_live", "Live (non-dead) coroutines."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.spawned
	ch <- c.exited
	ch <- c.yields
	ch <- c.preempts
	ch <- c.steals
	ch <- c.parks
	ch <- c.wakeups
	ch <- c.polls
	ch <- c.vfsOps
	ch <- c.runnable
	ch <- c.live
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.rt.Stats()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.spawned, s.Spawned)
	counter(c.exited, s.Exited)
	counter(c.yields, s.Yields)
	counter(c.preempts, s.Preempts)
	counter(c.steals, s.Steals)
	counter(c.parks, s.Parks)
	counter(c.wakeups, s.Wakeups)
	counter(c.polls, s.Polls)
	counter(c.vfsOps, s.VFSOps)
	ch <- prometheus.MustNewConstMetric(c.runnable, prometheus.GaugeValue, float64(s.Runnable))
	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(s.LiveTasks))
}
