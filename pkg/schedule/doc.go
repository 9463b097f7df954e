// Package schedule provides recurring schedules for spool maintenance.
//
// This package includes:
//   - Schedule interface for computing the next run
//   - Every() for fixed-interval schedules
//   - Daily() for daily schedules at a specific time
//   - Weekly() for weekly schedules on a specific day and time
//   - Cron() for cron expression-based schedules
//   - Parse() for schedules read from configuration ("@every 1m",
//     "@daily 03:30", "@weekly sun 02:00" or a cron expression)
package schedule
