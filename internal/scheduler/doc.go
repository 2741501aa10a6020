// Package scheduler triggers the collector run on a cron or interval
// schedule in serve mode. Runs never overlap.
package scheduler
