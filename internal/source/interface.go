package source

import "context"

// ItemRecord is one item report read from a bulk source.
type ItemRecord struct {
	ExternalID  string // unique within the source
	Status      string // LOST or FOUND
	Category    string
	Brand       string
	Color       string
	Description string
	Location    string
	PhotoKey    string // object storage key, if the photo is already stored
	PhotoPath   string // local photo file, if any
}

// Source defines the interface for bulk item sources.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	// Parameters: none.
	// Returns:
	//   - string: stable source identifier.
	GetSourceID() string

	// FetchBatch fetches a batch of records starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of records to fetch.
	// Returns:
	//   - items: batch of records.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []ItemRecord, nextCursor string, err error)
}
