package progress

import (
	"encoding/json"
	"time"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

// EventType names the push-channel messages.
type EventType string

const (
	EventSubscribed EventType = "subscribed"
	EventProgress   EventType = "progress"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// Event is one message on a batch's push channel.
type Event struct {
	Type      EventType       `json:"type"`
	BatchID   string          `json:"batchId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Terminal reports whether the channel closes after this event.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

type SubscribedPayload struct {
	BatchID    string `json:"batchId"`
	ObserverID string `json:"observerId"`
	Message    string `json:"message"`
}

type ProgressPayload struct {
	BatchID                  string                        `json:"batchId"`
	Phase                    models.Phase                  `json:"phase"`
	CurrentChunk             int                           `json:"currentChunk"`
	TotalChunks              int                           `json:"totalChunks"`
	ItemsCompleted           int                           `json:"itemsCompleted"`
	TotalItems               int                           `json:"totalItems"`
	ImagesGenerated          int                           `json:"imagesGenerated"`
	EstimatedTimeRemainingMs int64                         `json:"estimatedTimeRemainingMs"`
	StageStatus              map[string]models.AgentStatus `json:"stageStatus"`
}

type CompletePayload struct {
	BatchID         string                 `json:"batchId"`
	Success         bool                   `json:"success"`
	ItemsSucceeded  []models.ItemOutcome   `json:"itemsSucceeded"`
	ItemsFailed     []models.ItemOutcome   `json:"itemsFailed"`
	TotalTimeMs     int64                  `json:"totalTimeMs"`
	ImagesGenerated int                    `json:"imagesGenerated"`
	ImagesUploaded  int                    `json:"imagesUploaded"`
	SoftDuplicates  int                    `json:"softDuplicates"`
	ValidationStats models.ValidationStats `json:"validationStats"`
}

type ErrorPayload struct {
	BatchID string       `json:"batchId"`
	Phase   models.Phase `json:"phase"`
	Error   string       `json:"error"`
}

func newEvent(t EventType, batchID string, payload any, at time.Time) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs; this only fails on programmer error.
		data = []byte("{}")
	}
	return Event{Type: t, BatchID: batchID, Data: data, Timestamp: at.UnixMilli()}
}

func NewSubscribedEvent(batchID, observerID string, at time.Time) Event {
	return newEvent(EventSubscribed, batchID, SubscribedPayload{
		BatchID:    batchID,
		ObserverID: observerID,
		Message:    "subscribed to batch progress",
	}, at)
}

func NewProgressEvent(st models.ProgressState, at time.Time) Event {
	return newEvent(EventProgress, st.BatchID, ProgressPayload{
		BatchID:                  st.BatchID,
		Phase:                    st.Phase,
		CurrentChunk:             st.CurrentChunk,
		TotalChunks:              st.TotalChunks,
		ItemsCompleted:           st.ItemsCompleted,
		TotalItems:               st.TotalItems,
		ImagesGenerated:          st.ImagesGenerated,
		EstimatedTimeRemainingMs: st.EstimatedTimeRemainingMs,
		StageStatus:              st.StageStatus,
	}, at)
}

func NewCompleteEvent(s *models.Summary, at time.Time) Event {
	return newEvent(EventComplete, s.BatchID, CompletePayload{
		BatchID:         s.BatchID,
		Success:         s.Success,
		ItemsSucceeded:  s.ItemsSucceeded,
		ItemsFailed:     s.ItemsFailed,
		TotalTimeMs:     s.TotalTimeMs,
		ImagesGenerated: s.ImagesGenerated,
		ImagesUploaded:  s.ImagesUploaded,
		SoftDuplicates:  s.SoftDuplicates,
		ValidationStats: s.Validation,
	}, at)
}

func NewErrorEvent(batchID, reason string, at time.Time) Event {
	return newEvent(EventError, batchID, ErrorPayload{
		BatchID: batchID,
		Phase:   models.PhaseError,
		Error:   reason,
	}, at)
}
