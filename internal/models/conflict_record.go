package models

import (
	"encoding/json"
	"time"
)

// ConflictKind names the remote precondition a queued operation violated.
type ConflictKind string

const (
	ConflictAlreadyChecked   ConflictKind = "already-checked"
	ConflictAlreadyUnchecked ConflictKind = "already-unchecked"
	ConflictNotFound         ConflictKind = "not-found"
	ConflictAlreadyExists    ConflictKind = "already-exists"
)

// ConflictRecord is written once when a conflict is detected. Only Resolved
// changes afterwards, and only through an explicit resolution.
type ConflictRecord struct {
	ID           string          `db:"id" json:"id"`
	OperationID  string          `db:"operation_id" json:"operation_id"`
	EntityCode   string          `db:"entity_code" json:"entity_code"`
	EntityID     string          `db:"entity_id" json:"entity_id,omitempty"`
	ConflictKind ConflictKind    `db:"conflict_kind" json:"conflict_kind"`
	OriginDevice string          `db:"origin_device" json:"origin_device"`
	OriginUser   string          `db:"origin_user" json:"origin_user"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"` // unix milliseconds
	Resolved     bool            `db:"resolved" json:"resolved"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// Time returns the detection timestamp as time.Time.
func (c *ConflictRecord) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}
