package models

import (
	"time"
)

// BatchStatus is the aggregate status of a batch.
type BatchStatus string

const (
	BatchRunning  BatchStatus = "running"
	BatchComplete BatchStatus = "complete"
	BatchFailed   BatchStatus = "failed"
)

// Chunk is a bounded slice of the requested count.
type Chunk struct {
	Index int `json:"index"`
	Size  int `json:"size"`
}

// Batch is created when a request is accepted.
type Batch struct {
	ID        string            `json:"id"`
	Request   GenerationRequest `json:"request"`
	Chunks    []Chunk           `json:"chunks"`
	Status    BatchStatus       `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// TotalItems is the sum of chunk sizes.
func (b *Batch) TotalItems() int {
	n := 0
	for _, c := range b.Chunks {
		n += c.Size
	}
	return n
}

// ValidationStats are the validator tallies.
type ValidationStats struct {
	Validated int `json:"validated"`
	AutoFixed int `json:"autoFixed"`
	Failed    int `json:"failed"`
}

// Add accumulates o into s.
func (s *ValidationStats) Add(o ValidationStats) {
	s.Validated += o.Validated
	s.AutoFixed += o.AutoFixed
	s.Failed += o.Failed
}

// ChunkTally is what one chunk contributed to the summary.
type ChunkTally struct {
	Index           int             `json:"index"`
	Requested       int             `json:"requested"`
	Drafted         int             `json:"drafted"`
	Succeeded       int             `json:"succeeded"`
	Failed          int             `json:"failed"`
	ImagesGenerated int             `json:"imagesGenerated"`
	ImagesUploaded  int             `json:"imagesUploaded"`
	SoftDuplicates  int             `json:"softDuplicates"`
	ImageFallbacks  int             `json:"imageFallbacks"`
	StoragePending  int             `json:"storagePending"`
	PersistFailures int             `json:"persistFailures"`
	Validation      ValidationStats `json:"validation"`
	Error           string          `json:"error,omitempty"`
	DurationMs      int64           `json:"durationMs"`
}

// ItemOutcome is the per-item line of the summary.
type ItemOutcome struct {
	ID       string    `json:"id"`
	RecordID string    `json:"recordId,omitempty"`
	Name     string    `json:"name"`
	ImageURL string    `json:"imageUrl,omitempty"`
	State    ItemState `json:"state"`
	Stage    string    `json:"stage,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Flags    ItemFlags `json:"flags"`
}

// StageMetrics is the per-stage retry tally exposed in the summary.
type StageMetrics struct {
	Stage          string `json:"stage"`
	Calls          int    `json:"calls"`
	Attempts       int    `json:"attempts"`
	Retries        int    `json:"retries"`
	Successes      int    `json:"successes"`
	Failures       int    `json:"failures"`
	TotalLatencyMs int64  `json:"totalLatencyMs"`
}

// Summary is the single source of truth for a finished batch.
type Summary struct {
	BatchID         string          `json:"batchId"`
	Success         bool            `json:"success"`
	Status          BatchStatus     `json:"status"`
	TotalItems      int             `json:"totalItems"`
	ItemsSucceeded  []ItemOutcome   `json:"itemsSucceeded"`
	ItemsFailed     []ItemOutcome   `json:"itemsFailed"`
	ImagesGenerated int             `json:"imagesGenerated"`
	ImagesUploaded  int             `json:"imagesUploaded"`
	SoftDuplicates  int             `json:"softDuplicates"`
	StoragePending  int             `json:"storagePending"`
	Validation      ValidationStats `json:"validationStats"`
	Chunks          []ChunkTally    `json:"chunks"`
	Stages          []StageMetrics  `json:"stages"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      time.Time       `json:"finishedAt"`
	TotalTimeMs     int64           `json:"totalTimeMs"`
}
