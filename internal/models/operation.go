// Package models provides data model definitions for shelfcheck.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationKind identifies the mutation an operation intends.
type OperationKind string

const (
	KindScan   OperationKind = "scan"
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindScan, KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// ScanAction is the direction of a scan operation.
type ScanAction string

const (
	ScanCheck   ScanAction = "check"
	ScanUncheck ScanAction = "uncheck"
)

// OperationStatus is the sync state of a queued operation.
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusSynced   OperationStatus = "synced"
	StatusConflict OperationStatus = "conflict"
	StatusFailed   OperationStatus = "failed"
	// StatusDead is only reached when a retry ceiling is configured.
	StatusDead OperationStatus = "dead"
)

// Target names the entity an operation applies to. EntityID may be a
// temporary id for entities created while offline.
type Target struct {
	EntityID string `json:"entity_id,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Payload is the kind-specific body of an operation. Each kind has exactly
// one payload type.
type Payload interface {
	Kind() OperationKind
	Target() Target
}

// ScanPayload marks an item checked or unchecked by its business code.
type ScanPayload struct {
	Code   string     `json:"code" validate:"required,max=128"`
	Action ScanAction `json:"action" validate:"required,oneof=check uncheck"`
}

func (ScanPayload) Kind() OperationKind { return KindScan }

func (p ScanPayload) Target() Target { return Target{Code: p.Code} }

// CreatePayload creates a new item under a temporary id.
type CreatePayload struct {
	TempID   string `json:"temp_id" validate:"required,startswith=tmp-"`
	Code     string `json:"code" validate:"required,max=128"`
	Name     string `json:"name" validate:"required,max=256"`
	Location string `json:"location,omitempty" validate:"max=256"`
	Quantity int    `json:"quantity" validate:"gte=0"`
	Notes    string `json:"notes,omitempty" validate:"max=2048"`
}

func (CreatePayload) Kind() OperationKind { return KindCreate }

func (p CreatePayload) Target() Target { return Target{EntityID: p.TempID, Code: p.Code} }

// Fields returns the payload as a partial update of every field.
func (p CreatePayload) Fields() ItemFields {
	return ItemFields{
		Name:     &p.Name,
		Location: &p.Location,
		Quantity: &p.Quantity,
		Notes:    &p.Notes,
	}
}

// ItemFields is a partial set of editable item fields. Nil means unchanged.
type ItemFields struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=256"`
	Location *string `json:"location,omitempty" validate:"omitempty,max=256"`
	Quantity *int    `json:"quantity,omitempty" validate:"omitempty,gte=0"`
	Notes    *string `json:"notes,omitempty" validate:"omitempty,max=2048"`
}

// Empty reports whether no field is set.
func (f ItemFields) Empty() bool {
	return f.Name == nil && f.Location == nil && f.Quantity == nil && f.Notes == nil
}

// UpdatePayload edits fields of an existing or offline-created item.
type UpdatePayload struct {
	EntityID string     `json:"entity_id" validate:"required"`
	Code     string     `json:"code,omitempty" validate:"max=128"`
	Fields   ItemFields `json:"fields"`
}

func (UpdatePayload) Kind() OperationKind { return KindUpdate }

func (p UpdatePayload) Target() Target { return Target{EntityID: p.EntityID, Code: p.Code} }

// DeletePayload removes an item.
type DeletePayload struct {
	EntityID string `json:"entity_id" validate:"required"`
	Code     string `json:"code,omitempty" validate:"max=128"`
}

func (DeletePayload) Kind() OperationKind { return KindDelete }

func (p DeletePayload) Target() Target { return Target{EntityID: p.EntityID, Code: p.Code} }

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// DecodePayload restores the payload variant stored for kind.
func DecodePayload(kind OperationKind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindScan:
		var v ScanPayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindCreate:
		var v CreatePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindUpdate:
		var v UpdatePayload
		err = json.Unmarshal(data, &v)
		p = v
	case KindDelete:
		var v DeletePayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
	}
	return p, nil
}

// Operation is a queued, not-yet-applied mutation.
type Operation struct {
	ID           string          `db:"id" json:"id"`
	Kind         OperationKind   `db:"kind" json:"kind"`
	Target       Target          `db:"-" json:"target"`
	Payload      Payload         `db:"payload" json:"payload"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"` // unix milliseconds
	OriginDevice string          `db:"origin_device" json:"origin_device"`
	OriginUser   string          `db:"origin_user" json:"origin_user"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	NextRetryAt  int64           `db:"next_retry_at" json:"next_retry_at,omitempty"`
	Status       OperationStatus `db:"status" json:"status"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// Time returns the enqueue timestamp as time.Time.
func (o *Operation) Time() time.Time {
	return time.UnixMilli(o.Timestamp)
}

// UnmarshalJSON decodes the payload into the variant named by kind.
func (o *Operation) UnmarshalJSON(data []byte) error {
	type plain Operation
	var raw struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*o = Operation(raw.plain)
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}
	p, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	o.Payload = p
	return nil
}

// Scan returns the payload as a ScanPayload when the operation is a scan.
func (o *Operation) Scan() (ScanPayload, bool) {
	p, ok := o.Payload.(ScanPayload)
	return p, ok
}
