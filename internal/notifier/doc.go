// Package notifier delivers immediate booking notifications off the request
// path.
//
// A notification names a channel ("whatsapp" or "telegram"), a target and the
// text. Notify only enqueues; workers deliver through the channel's
// transport.Sender under a shared rate limit and retry with backoff.
//
// # Ordering
//
// Notifications for the same target always land on the same worker, so the
// three booking messages reach a lead in the order they were queued.
//
// # Dedup
//
// Identical notifications within the dedup window are suppressed. The
// suppress-until time is written to the store so a restart does not resend.
package notifier
