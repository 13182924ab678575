// Package coru is an M:N coroutine runtime: a fixed pool of worker threads
// (VPUs) cooperatively schedules an unbounded population of lightweight
// coroutines communicating over typed, optionally buffered channels with
// CSP-style select.
//
// Each VPU owns a lock-free local ready queue; a shared global queue holds
// overflow and fresh spawns. Channels pair a bounded ring buffer with two
// FIFO wait queues under a single mutex: a sender finding a parked receiver
// hands the value over directly, otherwise it buffers, otherwise it parks.
// Select pre-registers its cases under an address-ordered lock-chain and
// commits through a compare-and-swap claim on the selecting coroutine, so
// exactly one case wins.
//
// Blocking operations take the running coroutine's *Task as their first
// argument; there is no ambient "current coroutine" lookup.
//
//	code := coru.Run(coru.DefaultConfig(), func(t *coru.Task, _ any) {
//		ch := coru.NewChan[int](0)
//		t.Runtime().Spawn(func(w *coru.Task, _ any) {
//			ch.Send(w, 42)
//		}, nil, "producer", coru.SpawnAttrs{})
//		v, _ := ch.Recv(t)
//		t.Exit(v)
//	}, nil)
package coru
