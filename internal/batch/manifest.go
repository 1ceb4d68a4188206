// Package batch runs offline transcription jobs: each uploaded file is
// decoded and normalized once, fanned out to every requested provider with
// identical timing, and scored against an optional reference manifest.
package batch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// ManifestEntry pairs an audio file with its reference transcript.
type ManifestEntry struct {
	File string `json:"file"`
	Text string `json:"text"`
}

// Manifest maps audio base names to reference texts. Lookups ignore
// directories on both sides, so a manifest written against local paths still
// matches server-side upload names.
type Manifest map[string]string

// ParseManifest decodes a JSON array of {file, text} records.
func ParseManifest(data []byte) (Manifest, error) {
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("batch: parse manifest: %w", err)
	}
	m := make(Manifest, len(entries))
	for _, e := range entries {
		name := filepath.Base(strings.TrimSpace(e.File))
		if name == "" || name == "." {
			continue
		}
		m[name] = e.Text
	}
	return m, nil
}

// Lookup returns the reference text for path's base name.
func (m Manifest) Lookup(path string) (string, bool) {
	if m == nil {
		return "", false
	}
	text, ok := m[filepath.Base(path)]
	return text, ok
}
