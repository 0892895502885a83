// Package conflict decides whether a queued operation still holds against
// the remote store and builds the conflict record when it does not.
package conflict

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kimhsiao/shelfcheck/internal/logging"
	"github.com/kimhsiao/shelfcheck/internal/models"
	"github.com/kimhsiao/shelfcheck/internal/remote"
	"github.com/kimhsiao/shelfcheck/internal/uuid"
)

// Detector checks operations against remote state.
type Detector struct {
	now   func() time.Time
	newID func() string
}

// NewDetector creates a Detector using the wall clock.
func NewDetector() *Detector {
	return &Detector{now: time.Now, newID: uuid.NewOrdered}
}

// WithClock returns a copy of d that stamps records using now.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	cp := *d
	cp.now = now
	return &cp
}

// CheckScan compares a scan operation with the remote item found for its
// code. item is nil when the code does not exist remotely.
func (d *Detector) CheckScan(op *models.Operation, item *models.Item) *models.ConflictRecord {
	scan, ok := op.Scan()
	if !ok {
		return nil
	}

	switch {
	case item == nil:
		return d.record(op, nil, models.ConflictNotFound)
	case scan.Action == models.ScanCheck && item.Checked:
		return d.record(op, item, models.ConflictAlreadyChecked)
	case scan.Action == models.ScanUncheck && !item.Checked:
		return d.record(op, item, models.ConflictAlreadyUnchecked)
	}
	return nil
}

// CheckCreate reports a create whose code is already taken remotely.
// existing is the remote item holding the code, or nil.
func (d *Detector) CheckCreate(op *models.Operation, existing *models.Item) *models.ConflictRecord {
	if existing == nil {
		return nil
	}
	return d.record(op, existing, models.ConflictAlreadyExists)
}

// CheckUpdate reports an update whose remote target no longer exists.
// err is the error returned by the remote update call.
func (d *Detector) CheckUpdate(op *models.Operation, err error) *models.ConflictRecord {
	if !errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	return d.record(op, nil, models.ConflictNotFound)
}

func (d *Detector) record(op *models.Operation, item *models.Item, kind models.ConflictKind) *models.ConflictRecord {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		payload = []byte("{}")
	}

	rec := &models.ConflictRecord{
		ID:           d.newID(),
		OperationID:  op.ID,
		EntityCode:   op.Target.Code,
		EntityID:     op.Target.EntityID,
		ConflictKind: kind,
		OriginDevice: op.OriginDevice,
		OriginUser:   op.OriginUser,
		Payload:      payload,
		Timestamp:    d.now().UnixMilli(),
	}
	if item != nil {
		rec.EntityID = item.ID
		if rec.EntityCode == "" {
			rec.EntityCode = item.Code
		}
	}

	logging.Warn("Sync conflict detected", map[string]interface{}{
		"operation_id":  op.ID,
		"kind":          string(op.Kind),
		"conflict_kind": string(kind),
		"entity_code":   rec.EntityCode,
		"origin_device": op.OriginDevice,
	})
	return rec
}
