// Package storage keeps the audit trail of operator commands.
//
// Queued chat messages are never persisted; a restart starts with empty
// relay queues.
package storage
