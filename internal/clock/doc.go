// Package clock provides the time source used by session timers and the
// audit loop.
//
// Production code wires Real(). Tests wire Fake() and move time forward
// explicitly with Advance, which fires due AfterFunc callbacks
// synchronously in the calling goroutine:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	mgr := session.NewManager(session.Options{Clock: c, SessionTimeout: time.Minute})
//	mgr.CreateSession("node-1")
//	c.Advance(time.Minute) // node-1 is now idle
//
// Callbacks run without the clock's lock held, so they may schedule or stop
// other timers. They must not call Advance.
package clock
