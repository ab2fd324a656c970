package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rssbot/internal/model"
)

// File implements Storage as a JSON document written with temp-file-then-rename.
type File struct {
	path string
}

// NewFile returns a File storing state at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the location of the state file.
func (f *File) Path() string {
	return f.path
}

// fileState covers the current layout and the older per-feed layout.
type fileState struct {
	Version     int                 `json:"version"`
	Seen        []string            `json:"seen"`
	SeenPerFeed map[string][]string `json:"seen_per_feed,omitempty"`
}

// Load reads the state file. A missing file yields an empty state.
// Content that cannot be parsed is copied to <path>.corrupt and reported as
// ErrCorruptState.
func (f *File) Load(_ context.Context) (model.State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return model.NewState(nil), nil
	}
	if err != nil {
		return model.State{}, fmt.Errorf("%w: read %s: %w", ErrIO, f.path, err)
	}

	state, err := decodeState(data)
	if err != nil {
		backup := f.path + ".corrupt"
		if werr := os.WriteFile(backup, data, 0o600); werr != nil {
			return model.State{}, fmt.Errorf("%w: %s: %w (backup failed: %v)", ErrCorruptState, f.path, err, werr)
		}
		return model.State{}, fmt.Errorf("%w: %s: %w (copied to %s)", ErrCorruptState, f.path, err, backup)
	}
	return state, nil
}

func decodeState(data []byte) (model.State, error) {
	var raw fileState
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.State{}, fmt.Errorf("parse json: %w", err)
	}

	switch {
	case raw.Version == model.StateVersion:
		return model.NewState(raw.Seen), nil
	case raw.Version == 0 && raw.SeenPerFeed != nil:
		return model.NewState(flattenPerFeed(raw.SeenPerFeed)), nil
	default:
		return model.State{}, fmt.Errorf("unsupported state version %d", raw.Version)
	}
}

// legacyGUIDPrefix marks per-feed ids that came from a feed-provided GUID.
// Other legacy forms (link:, titlepub:, sha1:) have no equivalent in the
// current derivation and are kept as-is.
const legacyGUIDPrefix = "guid:"

func flattenPerFeed(perFeed map[string][]string) []string {
	urls := make([]string, 0, len(perFeed))
	for u := range perFeed {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	seen := make(map[string]bool)
	var ids []string
	for _, u := range urls {
		for _, id := range perFeed[u] {
			if rest, ok := strings.CutPrefix(id, legacyGUIDPrefix); ok {
				id = strings.TrimSpace(rest)
			}
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Save writes state to a temporary file next to the target and renames it
// over the target, so readers only ever observe a complete document.
func (f *File) Save(_ context.Context, state model.State) error {
	if state.Version == 0 {
		state.Version = model.StateVersion
	}
	if state.Seen == nil {
		state.Seen = []string{}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode state: %w", ErrIO, err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("%w: create dir %s: %w", ErrIO, dir, err)
		}
	}

	tmp := f.path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %w", ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s -> %s: %w", ErrIO, tmp, f.path, err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// Close is a no-op.
func (f *File) Close() error {
	return nil
}
