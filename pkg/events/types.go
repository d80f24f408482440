package events

import (
	"time"
)

// Type classifies a browser event.
type Type string

const (
	TypePage    Type = "PAGE"
	TypeDOM     Type = "DOM"
	TypeConsole Type = "CONSOLE"
	TypeNetwork Type = "NETWORK"
)

// KnownTypes lists every valid event type.
var KnownTypes = []Type{TypePage, TypeDOM, TypeConsole, TypeNetwork}

// ValidType reports whether t is a recognized event type.
func ValidType(t Type) bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Event is a single browser occurrence fanned out to subscribers.
// Name is the fine-grained event within the type, e.g. "page.load"
// or "console.error".
type Event struct {
	Type      Type           `json:"type"`
	Name      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	PageID    string         `json:"page_id,omitempty"`
	PageURL   string         `json:"url,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Filters narrow which events a subscription receives. Zero values
// match everything. Filters are fixed at subscription creation.
type Filters struct {
	URLPattern string `json:"url_pattern,omitempty"`
	PageID     string `json:"page_id,omitempty"`
}
