package models

import "time"

// Item is the full field set of an inventory record, as held by the remote
// store and mirrored in the local cache.
type Item struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Location  string `json:"location,omitempty"`
	Quantity  int    `json:"quantity"`
	Notes     string `json:"notes,omitempty"`
	Checked   bool   `json:"checked"`
	CheckedBy string `json:"checked_by,omitempty"`
	CheckedAt int64  `json:"checked_at,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Apply copies every set field of f onto the item.
func (i *Item) Apply(f ItemFields) {
	if f.Name != nil {
		i.Name = *f.Name
	}
	if f.Location != nil {
		i.Location = *f.Location
	}
	if f.Quantity != nil {
		i.Quantity = *f.Quantity
	}
	if f.Notes != nil {
		i.Notes = *f.Notes
	}
}

// CachedEntity is the local optimistic view of a remote item.
type CachedEntity struct {
	ID            string        `db:"id" json:"id"`
	Code          string        `db:"code" json:"code"`
	Snapshot      Item          `db:"snapshot" json:"snapshot"`
	LastModified  int64         `db:"last_modified" json:"last_modified"`
	IsLocalOnly   bool          `db:"is_local_only" json:"is_local_only"`
	PendingAction OperationKind `db:"pending_action" json:"pending_action,omitempty"`
	IsDeleted     bool          `db:"is_deleted" json:"is_deleted"`
}

// TableName returns the table name for CachedEntity.
func (CachedEntity) TableName() string {
	return "cached_entities"
}

// LastModifiedTime returns LastModified as time.Time.
func (c *CachedEntity) LastModifiedTime() time.Time {
	return time.UnixMilli(c.LastModified)
}

// IDMapping records the remote id assigned to an entity created offline.
type IDMapping struct {
	TempID    string `db:"temp_id" json:"temp_id"`
	RemoteID  string `db:"remote_id" json:"remote_id"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for IDMapping.
func (IDMapping) TableName() string {
	return "id_mappings"
}
