package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/reclaim/internal/logger"
	"github.com/timmy/reclaim/internal/source"
)

const (
	// ManifestFileName is the JSONL manifest inside a staging directory.
	ManifestFileName = "manifest.jsonl"
	// PhotosDir holds photos referenced by manifest lines.
	PhotosDir = "photos"
)

// ManifestItem is one line of manifest.jsonl.
type ManifestItem struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Category    string `json:"category"`
	Brand       string `json:"brand"`
	Color       string `json:"color"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Photo       string `json:"photo"`     // file name under photos/
	PhotoKey    string `json:"photo_key"` // already-stored object
}

// Adapter reads item reports from <basePath>/<sourceID>/manifest.jsonl.
type Adapter struct {
	basePath string
	sourceID string
	items    []source.ItemRecord
	loaded   bool
}

// NewAdapter creates a new staging adapter.
// Parameters:
//   - basePath: base path to the staging directory.
//   - sourceID: name of the staging subdirectory.
// Returns:
//   - *Adapter: initialized staging adapter.
func NewAdapter(basePath, sourceID string) *Adapter {
	return &Adapter{basePath: basePath, sourceID: sourceID}
}

// GetSourceID returns the source identifier with a "staging:" prefix.
func (a *Adapter) GetSourceID() string {
	return "staging:" + a.sourceID
}

// FetchBatch pages through the manifest. The cursor is a line index.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.ItemRecord, string, error) {
	if !a.loaded {
		if err := a.loadItems(ctx); err != nil {
			return nil, "", fmt.Errorf("failed to load staging items: %w", err)
		}
		a.loaded = true
	}

	start := 0
	if cursor != "" {
		var err error
		if start, err = strconv.Atoi(cursor); err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}
	if start >= len(a.items) {
		return []source.ItemRecord{}, "", nil
	}

	end := start + limit
	if end > len(a.items) {
		end = len(a.items)
	}
	next := ""
	if end < len(a.items) {
		next = strconv.Itoa(end)
	}
	return a.items[start:end], next, nil
}

// Count returns the number of valid manifest lines.
func (a *Adapter) Count(ctx context.Context) (int, error) {
	if !a.loaded {
		if err := a.loadItems(ctx); err != nil {
			return 0, err
		}
		a.loaded = true
	}
	return len(a.items), nil
}

func (a *Adapter) loadItems(ctx context.Context) error {
	dir := filepath.Join(a.basePath, a.sourceID)
	file, err := os.Open(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	a.items = []source.ItemRecord{}
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var m ManifestItem
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			logger.CtxWarn(ctx, "Skipping malformed manifest line %d: %v", lineNo, err)
			continue
		}
		if m.ID == "" || m.Category == "" {
			logger.CtxWarn(ctx, "Skipping manifest line %d: id and category are required", lineNo)
			continue
		}

		rec := source.ItemRecord{
			ExternalID:  fmt.Sprintf("%s_%s", a.sourceID, m.ID),
			Status:      strings.ToUpper(strings.TrimSpace(m.Status)),
			Category:    m.Category,
			Brand:       m.Brand,
			Color:       m.Color,
			Description: m.Description,
			Location:    m.Location,
			PhotoKey:    m.PhotoKey,
		}
		if m.Photo != "" {
			path := filepath.Join(dir, PhotosDir, m.Photo)
			if _, err := os.Stat(path); err == nil {
				rec.PhotoPath = path
			} else {
				// The report is still useful without its photo.
				logger.CtxWarn(ctx, "Photo %s for manifest line %d not found", m.Photo, lineNo)
			}
		}
		a.items = append(a.items, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}

	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].ExternalID < a.items[j].ExternalID
	})
	return nil
}

// ListStagingSources lists staging subdirectories that contain a manifest.
func ListStagingSources(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var sources []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(basePath, entry.Name(), ManifestFileName)); err == nil {
			sources = append(sources, entry.Name())
		}
	}
	return sources, nil
}
