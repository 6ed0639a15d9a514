/*
Package capture is the event capture surface consumed by domain and UI code.

Record anonymizes the session reference, assigns a per-session sequence
number, and appends the event durably before returning. Capture never
touches the network: delivery is the sync engine's job, so the capture path
stays decoupled from connectivity state.

Under storage pressure the recorder sheds the oldest unsynced low-priority
events to make room; error-kind events are never shed. When even that is
impossible the incoming event is refused with ErrShed rather than dropped
silently.
*/
package capture
