package imagestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// ObjectStore is the part of storage.Storage this stage needs.
type ObjectStore interface {
	Store(ctx context.Context, reader io.Reader, key, contentType string) (string, error)
	URL(key string) string
}

// Stage moves accepted images from temporary to durable storage.
type Stage struct {
	store  ObjectStore
	unit   *retry.Unit
	prefix string
	logger logger.Logger
}

var _ agent.Stage = (*Stage)(nil)

// NewStage writes objects under prefix (default "recipes").
func NewStage(store ObjectStore, unit *retry.Unit, prefix string, log logger.Logger) *Stage {
	if prefix == "" {
		prefix = "recipes"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Stage{
		store:  store,
		unit:   unit,
		prefix: strings.Trim(prefix, "/"),
		logger: log.Named("imagestore"),
	}
}

func (s *Stage) Kind() agent.Kind { return agent.KindStorage }

func (s *Stage) Metrics() retry.Snapshot { return s.unit.Metrics() }

// Execute uploads every accepted image. A failed upload keeps the temporary
// reference and flags the item instead of failing it.
func (s *Stage) Execute(ctx context.Context, w *agent.Work) error {
	for _, item := range w.Active() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cand, ok := w.Images[item.ID]
		if !ok || len(cand.Data) == 0 {
			continue
		}

		key := Key(s.prefix, w.BatchID, item.ID, cand)
		_, err := retry.Do(ctx, s.unit, "put_object", func(ctx context.Context) (string, error) {
			return s.store.Store(ctx, bytes.NewReader(cand.Data), key, cand.ContentType)
		})
		if err != nil {
			item.Flags.StoragePending = true
			w.Tally.StoragePending++
			s.logger.Error("Image upload failed, keeping temporary reference",
				logger.String("batch_id", w.BatchID),
				logger.String("item_id", item.ID),
				logger.String("key", key),
				logger.Error(err),
			)
			continue
		}

		item.ImageKey = key
		item.ImageURL = s.store.URL(key)
		item.ImageRef = models.ImageRefPermanent
		w.Tally.ImagesUploaded++
		item.Advance(models.ItemStored)
		delete(w.Images, item.ID)
	}
	return nil
}

// Key is content addressed so a retried upload overwrites the same object.
func Key(prefix, batchID, itemID string, cand *models.ImageCandidate) string {
	sum := sha256.Sum256(cand.Data)
	return fmt.Sprintf("%s/%s/%s-%s.%s", prefix, batchID, itemID, hex.EncodeToString(sum[:])[:12], Extension(cand.ContentType))
}

// Extension maps an image MIME type to a file extension.
func Extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}
