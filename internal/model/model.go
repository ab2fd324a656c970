// Package model defines the domain types used across the application.
package model

import "time"

// StateVersion is the schema marker written with every persisted state.
const StateVersion = 1

// FeedSource is a configured feed. It is immutable for the process lifetime.
type FeedSource struct {
	Label string
	URL   string
}

// Name returns the label if one was configured, otherwise the URL.
func (f FeedSource) Name() string {
	if f.Label != "" {
		return f.Label
	}
	return f.URL
}

// Entry is a single normalized feed item.
type Entry struct {
	ID          string
	Title       string
	Link        string
	PublishedAt *time.Time
	SourceLabel string
	// Summary is matched by filter rules. It is never sent.
	Summary string
}

// State is the persisted form of the dedup window.
// Seen is ordered from the oldest recorded identifier to the newest.
type State struct {
	Version int      `json:"version"`
	Seen    []string `json:"seen"`
}

// NewState returns a state with the current schema version.
func NewState(seen []string) State {
	if seen == nil {
		seen = []string{}
	}
	return State{Version: StateVersion, Seen: seen}
}
