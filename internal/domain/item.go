package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ItemStatus is the lifecycle state of a report.
// LOST and FOUND items are matchable; RECLAIMED items are closed.
type ItemStatus string

const (
	ItemStatusLost      ItemStatus = "LOST"
	ItemStatusFound     ItemStatus = "FOUND"
	ItemStatusReclaimed ItemStatus = "RECLAIMED"
)

// Opposite returns the status an item is matched against.
// RECLAIMED has no opposite and returns "".
func (s ItemStatus) Opposite() ItemStatus {
	switch s {
	case ItemStatusLost:
		return ItemStatusFound
	case ItemStatusFound:
		return ItemStatusLost
	}
	return ""
}

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusLost, ItemStatusFound, ItemStatusReclaimed:
		return true
	}
	return false
}

// Vector is an embedding stored as a JSON array of floats.
// A nil Vector is stored as NULL.
type Vector []float32

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded array, or nil for an absent vector.
//   - error: non-nil if marshaling fails.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal([]float32(v))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan Vector")
		}
		bytes = []byte(str)
	}
	if len(bytes) == 0 {
		*v = nil
		return nil
	}
	var out []float32
	if err := json.Unmarshal(bytes, &out); err != nil {
		return err
	}
	*v = out
	return nil
}

// Item is a lost or found report. Optional text fields are empty when
// absent; embeddings are nil when they could not be produced.
type Item struct {
	ID          string     `gorm:"type:text;primaryKey" json:"id"`
	TenantID    string     `gorm:"type:text;not null;index:idx_items_tenant_status" json:"tenant_id"`
	Status      ItemStatus `gorm:"type:text;not null;index:idx_items_tenant_status" json:"status"`
	Category    string     `gorm:"type:text;not null" json:"category"`
	Brand       string     `gorm:"type:text" json:"brand,omitempty"`
	Color       string     `gorm:"type:text" json:"color,omitempty"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
	Location    string     `gorm:"type:text" json:"location,omitempty"`
	ReporterID  string     `gorm:"type:text;index" json:"reporter_id,omitempty"`
	PhotoKey    string     `gorm:"type:text" json:"photo_key,omitempty"`
	// ExternalRef is "<source>:<id>" for imported reports.
	ExternalRef string     `gorm:"type:text;index" json:"external_ref,omitempty"`

	TextEmbedding  Vector `gorm:"type:text" json:"-"`
	TextModel      string `gorm:"type:text" json:"text_model,omitempty"`
	ImageEmbedding Vector `gorm:"type:text" json:"-"`
	ImageModel     string `gorm:"type:text" json:"image_model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Item.
func (Item) TableName() string {
	return "items"
}

// HasImage reports whether the item carries an image embedding.
func (i *Item) HasImage() bool {
	return len(i.ImageEmbedding) > 0
}

// Matchable reports whether the item may enter a matching pool.
func (i *Item) Matchable() bool {
	return i.Status == ItemStatusLost || i.Status == ItemStatusFound
}
