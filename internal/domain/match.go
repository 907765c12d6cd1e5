package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MatchStatus is the review state of a proposed pair.
type MatchStatus string

const (
	MatchStatusPending   MatchStatus = "PENDING"
	MatchStatusApproved  MatchStatus = "APPROVED"
	MatchStatusRejected  MatchStatus = "REJECTED"
	MatchStatusReclaimed MatchStatus = "RECLAIMED"
)

// ScoreBreakdown records how a pair's score was assembled.
type ScoreBreakdown struct {
	TextCosine     float64 `json:"text_cosine"`
	Rerank         float64 `json:"rerank"`
	RerankFallback bool    `json:"rerank_fallback,omitempty"`
	GenericLost    bool    `json:"generic_lost,omitempty"`
	GenericFound   bool    `json:"generic_found,omitempty"`
	Base           float64 `json:"base"`
	Brand          float64 `json:"brand"`
	Color          float64 `json:"color"`
	NumericPenalty bool    `json:"numeric_penalty,omitempty"`
	VariantPenalty bool    `json:"variant_penalty,omitempty"`
	Visual         float64 `json:"visual"`
	VisualCosine   float64 `json:"visual_cosine,omitempty"`
	Verified       bool    `json:"verified,omitempty"`
}

// Value implements the driver.Valuer interface.
func (b ScoreBreakdown) Value() (driver.Value, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

// Scan implements the sql.Scanner interface.
func (b *ScoreBreakdown) Scan(value interface{}) error {
	if value == nil {
		*b = ScoreBreakdown{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ScoreBreakdown")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, b)
}

// Match is a proposed lost/found pair awaiting review.
// (LostItemID, FoundItemID) is unique.
type Match struct {
	ID          string         `gorm:"type:text;primaryKey" json:"id"`
	TenantID    string         `gorm:"type:text;not null;index" json:"tenant_id"`
	LostItemID  string         `gorm:"type:text;not null;uniqueIndex:idx_matches_pair" json:"lost_item_id"`
	FoundItemID string         `gorm:"type:text;not null;uniqueIndex:idx_matches_pair" json:"found_item_id"`
	Score       float64        `gorm:"not null" json:"score"`
	Status      MatchStatus    `gorm:"type:text;not null;default:PENDING;index" json:"status"`
	Breakdown   ScoreBreakdown `gorm:"type:text" json:"breakdown"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Match.
func (Match) TableName() string {
	return "matches"
}
