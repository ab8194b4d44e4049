// Package dedupe guards against overlapping deliveries of the same update.
//
// A Guard holds the ids currently being processed. A second delivery of an
// id that is still in flight is rejected rather than queued; once the first
// handler finishes, successfully or not, the id is released and a later
// delivery is admitted again. The set lives in memory and starts empty on
// every restart.
package dedupe
