// Package scheduler runs periodic maintenance jobs on cron schedules.
//
// Specs accept 5 or 6 fields and descriptors such as "@every 5m". Interval
// schedules get a random first-run delay so jobs registered together do not
// fire together. A job still running when its next trigger arrives is skipped.
package scheduler
