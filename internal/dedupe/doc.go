// Package dedupe suppresses redelivered inbound events using a time-based set
// of seen ids. Webhooks and sync streams deliver at least once, so each source
// keeps its own window; a restart forgets the window, which only risks an
// occasional reprocessed event and never drops a new one.
package dedupe
