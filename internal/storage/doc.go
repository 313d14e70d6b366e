// Package storage persists scheduled jobs and the small amount of state that
// must survive a restart.
//
// It holds:
//   - Scheduled jobs (keyed, ordered by run time then insertion sequence)
//   - Reminder keys tracked per contact (reschedule cancellation)
//   - Delivery de-duplication windows (notifier, webhook replays)
//   - A job lifecycle audit trail
//
// Backends: sqlite (default), file (snapshot + journal), memory.
package storage
