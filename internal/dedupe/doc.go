// Package dedupe provides a bounded, expiring key set for suppressing
// repeated deliveries within a time window.
package dedupe
