// Package mongo registers MongoDB-backed execution event log storage.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain an eventlog.Store that persists append-only execution events.
package mongo
