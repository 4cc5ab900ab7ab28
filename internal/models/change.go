package models

import (
	"strings"
	"time"
)

// Operation is the tag written by the source-side triggers
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation accepts the full tag or its first letter (I, U, D)
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "I":
		return OpInsert, true
	case "UPDATE", "U":
		return OpUpdate, true
	case "DELETE", "D":
		return OpDelete, true
	}
	return "", false
}

// ChangeEvent represents a row in the SYNC_CHANGE_LOG table
type ChangeEvent struct {
	ID        int64     `db:"ID"`
	Code      int       `db:"ITEM_CODE"`
	Operation Operation `db:"OPERATION"`
	ChangedAt time.Time `db:"CHANGED_AT"`
	Processed bool      `db:"PROCESSED"`
}

// SyncCursor is the singleton bookkeeping row (ID = 1).
// LastSyncTime is nil until the first successful cycle
type SyncCursor struct {
	LastSyncTime  *time.Time `json:"last_sync_time"`
	LastSyncCount int        `json:"last_sync_count"`
}

// NeverSynced reports whether no cycle has completed yet
func (c SyncCursor) NeverSynced() bool {
	return c.LastSyncTime == nil
}

// ChangeKeys returns the distinct item codes referenced by events, in first-seen order,
// together with the event ids grouped per code
func ChangeKeys(events []ChangeEvent) ([]int, map[int][]int64) {
	keys := make([]int, 0, len(events))
	ids := make(map[int][]int64, len(events))
	for _, e := range events {
		if _, seen := ids[e.Code]; !seen {
			keys = append(keys, e.Code)
		}
		ids[e.Code] = append(ids[e.Code], e.ID)
	}
	return keys, ids
}
