// Package record holds the persisted record types and the thin services over
// the append-only journals: the batch job history and the realtime
// transcript log.
package record

import "encoding/json"

// FileResult is the persisted outcome of one (file, provider) pair in a
// batch job.
type FileResult struct {
	JobID            string   `json:"jobId"`
	Path             string   `json:"path"`
	Provider         string   `json:"provider"`
	Lang             string   `json:"lang"`
	DurationSec      float64  `json:"durationSec"`
	ProcessingTimeMs float64  `json:"processingTimeMs"`
	RTF              float64  `json:"rtf"`
	CER              *float64 `json:"cer,omitempty"`
	WER              *float64 `json:"wer,omitempty"`
	LatencyMs        float64  `json:"latencyMs"`
	Text             string   `json:"text"`
	RefText          string   `json:"refText,omitempty"`
	Degraded         bool     `json:"degraded"`
	CreatedAt        float64  `json:"createdAt"`
	Normalization    string   `json:"normalizationUsed"`
}

// StampMs implements the journal retention contract.
func (r FileResult) StampMs() float64 { return r.CreatedAt }

// EntryKind discriminates realtime log payloads.
type EntryKind string

const (
	KindSession    EntryKind = "session"
	KindTranscript EntryKind = "transcript"
	KindError      EntryKind = "error"
	KindSessionEnd EntryKind = "session_end"
)

// RealtimeEntry is one row of the realtime transcript journal.
type RealtimeEntry struct {
	SessionID  string          `json:"sessionId"`
	Provider   string          `json:"provider"`
	Lang       string          `json:"lang"`
	RecordedAt float64         `json:"recordedAt"`
	Kind       EntryKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// StampMs implements the journal retention contract.
func (e RealtimeEntry) StampMs() float64 { return e.RecordedAt }

// SessionSummary is one row of the realtime session listing, aggregated by
// (sessionId, provider).
type SessionSummary struct {
	SessionID      string  `json:"sessionId"`
	Provider       string  `json:"provider"`
	Lang           string  `json:"lang"`
	StartedAt      float64 `json:"startedAt,omitempty"`
	LastRecordedAt float64 `json:"lastRecordedAt"`
	Transcripts    int     `json:"transcripts"`
	Errors         int     `json:"errors"`
	Ended          bool    `json:"ended"`
}
