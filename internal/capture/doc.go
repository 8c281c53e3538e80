// Package capture runs the hardware pull loop on its own goroutine so sensor
// latency never reaches the preview or export paths.
//
// # Overview
//
// A Session binds one camera.Handle, one reconnect policy and any number of
// sinks (the ring buffer, the recording buffer). Start spawns a single worker
// that repeats:
//
//	pull(500ms) ─┬─ frame   → push to every sink, policy.OnFrame()
//	             ├─ timeout → policy.OnTimeout() (may close+reopen the device)
//	             └─ fatal   → log, notify the fault handler, back off, continue
//
// Stop cancels the worker and joins it with a bounded wait (2s by default).
// A worker stuck in a native call past that window is abandoned; the owner
// still calls Handle.Close, which waits for the in-flight pull before
// releasing native memory.
//
// # Fault reporting
//
// The fault handler runs on its own goroutine, so it may call Stop without
// deadlocking against the worker. It receives every fatal pull error and the
// final ErrReconnectExhausted when the policy gives up; the worker exits in
// the latter case.
//
// # Frame Format
//
// Frames reaching the sinks are fully shaped frame.Frame values with
// strictly increasing Sequence and Timestamp. Color frames are RGB.
package capture
