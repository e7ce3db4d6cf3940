package models

import "time"

// Phase is the tracker state for a batch.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseGenerating   Phase = "generating"
	PhaseValidating   Phase = "validating"
	PhaseImaging      Phase = "imaging"
	PhasePersisting   Phase = "persisting"
	PhaseComplete     Phase = "complete"
	PhaseError        Phase = "error"
)

// Terminal reports whether no further transitions are allowed.
func (p Phase) Terminal() bool { return p == PhaseComplete || p == PhaseError }

// Rank orders the working phases within one chunk.
func (p Phase) Rank() int {
	switch p {
	case PhaseInitializing:
		return 0
	case PhaseGenerating:
		return 1
	case PhaseValidating:
		return 2
	case PhaseImaging:
		return 3
	case PhasePersisting:
		return 4
	case PhaseComplete, PhaseError:
		return 5
	}
	return -1
}

// AgentStatus is the status of one stage agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentWorking  AgentStatus = "working"
	AgentComplete AgentStatus = "complete"
	AgentError    AgentStatus = "error"
)

// ProgressState is owned by the tracker; everyone else gets copies.
type ProgressState struct {
	BatchID                  string                 `json:"batchId"`
	Phase                    Phase                  `json:"phase"`
	CurrentChunk             int                    `json:"currentChunk"`
	TotalChunks              int                    `json:"totalChunks"`
	ItemsCompleted           int                    `json:"itemsCompleted"`
	TotalItems               int                    `json:"totalItems"`
	ImagesGenerated          int                    `json:"imagesGenerated"`
	EstimatedTimeRemainingMs int64                  `json:"estimatedTimeRemainingMs"`
	StageStatus              map[string]AgentStatus `json:"stageStatus"`
	Error                    string                 `json:"error,omitempty"`
	StartedAt                time.Time              `json:"startedAt"`
	UpdatedAt                time.Time              `json:"updatedAt"`
	FinishedAt               time.Time              `json:"finishedAt,omitempty"`
}

// Clone copies the state including the stage map.
func (s ProgressState) Clone() ProgressState {
	out := s
	out.StageStatus = make(map[string]AgentStatus, len(s.StageStatus))
	for k, v := range s.StageStatus {
		out.StageStatus[k] = v
	}
	return out
}
