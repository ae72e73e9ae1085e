// Package component defines the lifecycle interface for fortify's
// background workers and a registry that starts and stops them in order.
//
//   - Component: Name/Start/Stop/Health lifecycle
//   - Describable: optional startup summary line
//   - Scheduled: runs a job on a cron schedule (cleanup sweepers)
package component
