package models

import "time"

// RunStatus итог запуска
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunReport сводка одного пакетного запуска
type RunReport struct {
	RunID       string    `json:"run_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      RunStatus `json:"status"`

	Identifiers    int `json:"identifiers"`
	Messages       int `json:"messages"`
	Malformed      int `json:"malformed"`
	SegmentsOpened int `json:"segments_opened"`
	SegmentsClosed int `json:"segments_closed"`
	Segments       int `json:"segments"`
	SeedsLoaded    int `json:"seeds_loaded"`
	SeedsSaved     int `json:"seeds_saved"`
	SeedsCarried   int `json:"seeds_carried"`
	SeedAnomalies  int `json:"seed_anomalies"`
	OutOfOrder     int `json:"out_of_order"`
	Flagged        int `json:"identity_flagged"`

	Error string `json:"error,omitempty"`
}

// Duration длительность запуска
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
