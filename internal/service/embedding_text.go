package service

import (
	"strings"

	"github.com/timmy/reclaim/internal/domain"
)

// placeholderValues are what users type when a field does not apply.
var placeholderValues = map[string]struct{}{
	"":        {},
	"test":    {},
	"na":      {},
	"n/a":     {},
	"none":    {},
	"null":    {},
	"nil":     {},
	"-":       {},
	"unknown": {},
}

// ItemFields are the text attributes of a report.
type ItemFields struct {
	Category    string `json:"category"`
	Brand       string `json:"brand,omitempty"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
}

// FieldsOf extracts the text attributes of an item.
func FieldsOf(item *domain.Item) ItemFields {
	return ItemFields{
		Category:    item.Category,
		Brand:       item.Brand,
		Color:       item.Color,
		Description: item.Description,
	}
}

func normalizeWhitespace(text string) string {
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

// cleanField trims, lower-cases and collapses whitespace. Placeholder
// values come back empty.
func cleanField(s string) string {
	cleaned := strings.ToLower(normalizeWhitespace(s))
	if _, ok := placeholderValues[strings.Trim(cleaned, " .")]; ok {
		return ""
	}
	return cleaned
}

// CanonicalText joins the cleaned category, brand, color and description
// with single spaces, omitting absent fields.
func CanonicalText(f ItemFields) string {
	parts := make([]string, 0, 4)
	for _, v := range []string{f.Category, f.Brand, f.Color, f.Description} {
		if c := cleanField(v); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}

// descriptionText is what the cross-encoder sees: the raw description,
// or the canonical text when the description is empty.
func descriptionText(f ItemFields) string {
	if d := cleanField(f.Description); d != "" {
		return d
	}
	return CanonicalText(f)
}
