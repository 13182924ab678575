package coru_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uatomic "go.uber.org/atomic"

	"github.com/coru-dev/coru"
)

func TestRunReturnsMainExitCode(t *testing.T) {
	code := coru.Run(testConfig(2), func(main *coru.Task, _ any) {
		main.Exit(7)
	}, nil)
	require.Equal(t, 7, code)
}

func TestMainReturnIsExitZero(t *testing.T) {
	code := coru.Run(testConfig(2), func(main *coru.Task, _ any) {}, nil)
	require.Equal(t, 0, code)
}

func TestSpawnArgAndName(t *testing.T) {
	var gotArg any
	var gotName string

	code := coru.Run(testConfig(2), func(main *coru.Task, _ any) {
		done := coru.NewChan[struct{}](0)
		h := main.Runtime().Spawn(func(w *coru.Task, arg any) {
			gotArg = arg
			gotName = w.Name()
			done.Send(w, struct{}{})
		}, "payload", "worker", coru.SpawnAttrs{Priority: 3})
		assert.Equal(t, "worker", h.Name())
		assert.Equal(t, 3, h.Priority())
		done.Recv(main)
		main.Exit(0)
	}, nil)

	require.Equal(t, 0, code)
	assert.Equal(t, "payload", gotArg)
	assert.Equal(t, "worker", gotName)
}

func TestYieldInterleaves(t *testing.T) {
	var peerRan uatomic.Bool

	code := coru.Run(testConfig(1), func(main *coru.Task, _ any) {
		main.Runtime().Spawn(func(w *coru.Task, _ any) {
			peerRan.Store(true)
		}, nil, "peer", coru.SpawnAttrs{})

		// One VPU: the peer can only run if yield really reschedules.
		for i := 0; i < 16 && !peerRan.Load(); i++ {
			main.Yield()
		}
		if !peerRan.Load() {
			main.Exit(1)
		}
		main.Exit(0)
	}, nil)
	require.Equal(t, 0, code)
}

// Fan-out findmax: recursive spawn splits the array into halves over
// rendezvous channels and reports the per-half max upward.
func TestFanOutFindMax(t *testing.T) {
	array := []int{3, 17, 5, 42, 9, 1, 30, 12, 8, 41, 2, 28, 7, 19, 40, 11}

	var findMax func(w *coru.Task, arg any)
	findMax = func(w *coru.Task, arg any) {
		ch := arg.(*coru.Chan[int])
		size, _ := ch.Recv(w)
		start, _ := ch.Recv(w)

		max := array[start]
		if size > 2 {
			var sub [2]*coru.Chan[int]
			sz := [2]int{size / 2, size - size/2}
			st := [2]int{start, start + size/2}
			for i := 0; i < 2; i++ {
				sub[i] = coru.NewChan[int](0)
				w.Runtime().Spawn(findMax, sub[i], "slave", coru.SpawnAttrs{})
				sub[i].Send(w, sz[i])
				sub[i].Send(w, st[i])
			}
			a, _ := sub[0].Recv(w)
			b, _ := sub[1].Recv(w)
			max = a
			if b > a {
				max = b
			}
		} else {
			for i := start; i < start+size; i++ {
				if array[i] > max {
					max = array[i]
				}
			}
		}
		ch.Send(w, max)
	}

	var got int
	code := coru.Run(testConfig(4), func(main *coru.Task, _ any) {
		ch := coru.NewChan[int](0)
		main.Runtime().Spawn(findMax, ch, "root", coru.SpawnAttrs{})
		ch.Send(main, len(array))
		ch.Send(main, 0)
		got, _ = ch.Recv(main)
		main.Exit(0)
	}, nil)

	require.Equal(t, 0, code)
	require.Equal(t, 42, got)
}

// Work distribution: a burst of short coroutines spawned onto the global
// queue completes across several VPUs.
func TestWorkSpreadsAcrossVPUs(t *testing.T) {
	const workers = 400
	perVPU := make([]uatomic.Int64, 4)
	var completed uatomic.Int64

	code := coru.Run(testConfig(4), func(main *coru.Task, _ any) {
		done := coru.NewChan[int](workers)
		rt := main.Runtime()

		for i := 0; i < workers; i++ {
			rt.Spawn(func(w *coru.Task, _ any) {
				spin := 0
				for j := 0; j < 3; j++ {
					for k := 0; k < 200; k++ {
						spin += k
					}
					w.Yield()
				}
				perVPU[w.VPU()].Inc()
				completed.Inc()
				done.Send(w, spin)
			}, nil, "burst", coru.SpawnAttrs{})
		}

		for i := 0; i < workers; i++ {
			_, err := done.Recv(main)
			require.NoError(t, err)
		}
		main.Exit(0)
	}, nil)

	require.Equal(t, 0, code)
	require.EqualValues(t, workers, completed.Load())

	active := 0
	for i := range perVPU {
		t.Logf("vpu %d ran %d coroutines", i, perVPU[i].Load())
		if perVPU[i].Load() > 0 {
			active++
		}
	}
	assert.GreaterOrEqual(t, active, 2, "the burst should spread beyond one VPU")
}

// Stealing: channel wakeups put each woken coroutine back on the local queue
// of the VPU that last ran it, where idle siblings may steal it. The test
// checks that every woken coroutine completes and logs the steal counter.
func TestWorkStealingCounter(t *testing.T) {
	var steals int64

	code := coru.Run(testConfig(4), func(main *coru.Task, _ any) {
		const n = 200
		rt := main.Runtime()
		ping := coru.NewChan[int](0)
		done := coru.NewChan[struct{}](n)

		for i := 0; i < n; i++ {
			rt.Spawn(func(w *coru.Task, _ any) {
				// Park on the rendezvous; the wakeup requeues us on the
				// local queue of the VPU that last ran us.
				ping.Recv(w)
				for j := 0; j < 3; j++ {
					w.Yield()
				}
				done.Send(w, struct{}{})
			}, nil, "pinger", coru.SpawnAttrs{})
		}

		for i := 0; i < n; i++ {
			require.NoError(t, ping.Send(main, i))
		}
		for i := 0; i < n; i++ {
			done.Recv(main)
		}
		steals = rt.Stats().Steals
		main.Exit(0)
	}, nil)

	require.Equal(t, 0, code)
	t.Logf("steals observed: %d", steals)
}

// Watchdog: with one VPU and a coroutine that never yields voluntarily, a
// peer still makes progress once the forced reschedule kicks in at a
// safepoint.
func TestWatchdogForcesYield(t *testing.T) {
	cfg := testConfig(1)
	cfg.EnableClock = true
	cfg.ClockInterval = time.Millisecond
	cfg.WatchdogThreshold = 4

	var stop uatomic.Bool
	var got int

	code := coru.Run(cfg, func(main *coru.Task, _ any) {
		ch := coru.NewChan[int](0)
		rt := main.Runtime()

		// The hog is spawned first and would monopolize the only VPU.
		rt.Spawn(func(w *coru.Task, _ any) {
			for !stop.Load() {
				w.Checkpoint()
			}
		}, nil, "hog", coru.SpawnAttrs{})

		rt.Spawn(func(w *coru.Task, _ any) {
			ch.Send(w, 99)
		}, nil, "peer", coru.SpawnAttrs{})

		got, _ = ch.Recv(main)
		stop.Store(true)
		main.Exit(0)
	}, nil)

	require.Equal(t, 0, code)
	require.Equal(t, 99, got)
}

func TestStatsCounters(t *testing.T) {
	var snap coru.StatsSnapshot

	code := coru.Run(testConfig(2), func(main *coru.Task, _ any) {
		rt := main.Runtime()
		done := coru.NewChan[struct{}](0)
		rt.Spawn(func(w *coru.Task, _ any) {
			w.Yield()
			done.Send(w, struct{}{})
		}, nil, "counted", coru.SpawnAttrs{})
		done.Recv(main)
		snap = rt.Stats()
		main.Exit(0)
	}, nil)

	require.Equal(t, 0, code)
	// Main and the worker were both spawned.
	assert.GreaterOrEqual(t, snap.Spawned, int64(2))
	assert.GreaterOrEqual(t, snap.Yields, int64(1))
	assert.GreaterOrEqual(t, snap.Wakeups, int64(1))
}

func TestTaskAcquireRelease(t *testing.T) {
	code := coru.Run(testConfig(2), func(main *coru.Task, _ any) {
		done := coru.NewChan[struct{}](0)
		h := main.Runtime().Spawn(func(w *coru.Task, _ any) {
			done.Send(w, struct{}{})
		}, nil, "held", coru.SpawnAttrs{})

		ref := h.Acquire()
		done.Recv(main)
		// The extra reference keeps the record valid past exit.
		for ref.Status() != coru.StatusDead {
			main.Yield()
		}
		assert.Equal(t, "held", ref.Name())
		ref.Release()
		main.Exit(0)
	}, nil)
	require.Equal(t, 0, code)
}
