/*
Package controller executes delivery attempts and applies the retry policy.

One claimed work item gets exactly one attempt per invocation. The attempt
ends in one of four outcomes: success (batch completed, all members synced),
recoverable (rescheduled with exponential backoff until attempts run out),
permanent (batch and still-unsynced members failed), or cancelled (item and
batch returned to pending, no event touched).

Partial success is handled by exclusion: events the server accepts are
marked synced immediately, and a retried batch re-sends only the remainder,
so the server-visible accepted set only ever grows.
*/
package controller
