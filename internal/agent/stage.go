package agent

import (
	"context"

	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// Kind names one of the five pipeline stages. The set is closed.
type Kind string

const (
	KindConcept     Kind = "concept"
	KindValidation  Kind = "validation"
	KindImage       Kind = "image"
	KindStorage     Kind = "storage"
	KindPersistence Kind = "persistence"
)

// Order is the fixed execution order within a chunk.
var Order = []Kind{KindConcept, KindValidation, KindImage, KindStorage, KindPersistence}

// Phase maps a stage to the tracker phase it runs under.
func (k Kind) Phase() models.Phase {
	switch k {
	case KindConcept:
		return models.PhaseGenerating
	case KindValidation:
		return models.PhaseValidating
	case KindImage:
		return models.PhaseImaging
	case KindStorage, KindPersistence:
		return models.PhasePersisting
	}
	return models.PhaseInitializing
}

func (k Kind) String() string { return string(k) }

// Stage is the capability every pipeline agent implements.
//
// Execute works on the items of one chunk. Item-level problems are recorded
// on the items and in Work.Tally. A returned error means the whole chunk is
// lost: the concept stage returns one when drafting fails, the others only
// on cancellation.
type Stage interface {
	Kind() Kind
	Execute(ctx context.Context, w *Work) error
	Metrics() retry.Snapshot
}

// History answers the duplicate question for perceptual fingerprints.
type History interface {
	// MaxSimilarity returns the highest similarity between fp and anything
	// already accepted, or 0 when the history is empty.
	MaxSimilarity(ctx context.Context, fp models.Fingerprint) (float64, error)
	Remember(ctx context.Context, fp models.Fingerprint) error
	Len() int
}

// Work is the unit handed from stage to stage for one chunk. It is owned by
// the single goroutine driving the batch, so nothing in it is locked.
type Work struct {
	BatchID string
	Chunk   models.Chunk
	Request models.GenerationRequest
	Items   []*models.ContentItem
	// Images holds accepted image bytes between the image and storage stages.
	Images map[string]*models.ImageCandidate
	// History is batch scoped (optionally backed by a cross-batch store).
	History History
	// Exclude lists recipe names produced by earlier chunks of the batch.
	Exclude []string
	Tally   models.ChunkTally
	Log     logger.Logger
}

// NewWork prepares the work unit for a chunk.
func NewWork(batchID string, chunk models.Chunk, req models.GenerationRequest, history History, log logger.Logger) *Work {
	if log == nil {
		log = logger.NewNop()
	}
	return &Work{
		BatchID: batchID,
		Chunk:   chunk,
		Request: req,
		Images:  make(map[string]*models.ImageCandidate),
		History: history,
		Tally:   models.ChunkTally{Index: chunk.Index, Requested: chunk.Size},
		Log:     log.With(logger.String("batch_id", batchID), logger.Int("chunk", chunk.Index)),
	}
}

// Active returns items that have not failed.
func (w *Work) Active() []*models.ContentItem {
	out := make([]*models.ContentItem, 0, len(w.Items))
	for _, it := range w.Items {
		if !it.Failed() {
			out = append(out, it)
		}
	}
	return out
}

// CountState counts items currently in any of states.
func (w *Work) CountState(states ...models.ItemState) int {
	n := 0
	for _, it := range w.Items {
		for _, s := range states {
			if it.State == s {
				n++
				break
			}
		}
	}
	return n
}
