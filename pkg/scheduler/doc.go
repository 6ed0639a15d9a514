/*
Package scheduler decides when pending work is attempted.

Three trigger classes wake the worker pool: a connectivity transition to
online, the application entering the foreground, and two recurring timers —
a short unconditional one scoped to high-priority items and a long one gated
on the device being idle and on an unmetered network. A rate limiter damps
trigger bursts from connectivity flapping.

The pool is small (default 2 workers) to limit battery and network
contention. Items of the same kind never run concurrently, which keeps
server-side ordering simple within a telemetry class; different kinds may
overlap. The scheduler also runs the reclaim sweep that frees claims left
behind by a crash.
*/
package scheduler
