package imagestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

type fakeStore struct {
	failures int
	calls    int
	objects  map[string][]byte
	types    map[string]string
}

func newFakeStore(failures int) *fakeStore {
	return &fakeStore{failures: failures, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeStore) Store(_ context.Context, r io.Reader, key, contentType string) (string, error) {
	f.calls++
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if f.calls <= f.failures {
		return "", errors.New("connection reset by peer")
	}
	f.objects[key] = data
	f.types[key] = contentType
	return key, nil
}

func (f *fakeStore) URL(key string) string { return "https://cdn.example/" + key }

func newTestStage(store ObjectStore) *Stage {
	unit := retry.New("storage", retry.DefaultPolicy(), logger.NewNop(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return NewStage(store, unit, "", logger.NewTestLogger())
}

func imagedWork() *agent.Work {
	w := agent.NewWork("batch-9", models.Chunk{Size: 2}, models.GenerationRequest{Count: 2, GenerateImage: true, StoreImages: true}, nil, nil)
	withImage := &models.ContentItem{ID: "a", Name: "Soup", State: models.ItemImaged, ImageURL: "https://tmp/a", ImageRef: models.ImageRefTemporary}
	placeholder := &models.ContentItem{ID: "b", Name: "Stew", State: models.ItemImaged, Flags: models.ItemFlags{ImageFallback: true}}
	w.Items = []*models.ContentItem{withImage, placeholder}
	w.Images["a"] = &models.ImageCandidate{ItemID: "a", Data: []byte("\x89PNG fake"), ContentType: "image/png"}
	return w
}

func TestStage_UploadsAcceptedImages(t *testing.T) {
	store := newFakeStore(1)
	s := newTestStage(store)
	w := imagedWork()

	require.NoError(t, s.Execute(context.Background(), w))

	item := w.Items[0]
	assert.Equal(t, models.ItemStored, item.State)
	assert.Equal(t, models.ImageRefPermanent, item.ImageRef)
	assert.True(t, strings.HasPrefix(item.ImageKey, "recipes/batch-9/a-"))
	assert.True(t, strings.HasSuffix(item.ImageKey, ".png"))
	assert.Equal(t, "https://cdn.example/"+item.ImageKey, item.ImageURL)
	assert.Equal(t, []byte("\x89PNG fake"), store.objects[item.ImageKey])
	assert.Equal(t, "image/png", store.types[item.ImageKey])
	assert.Equal(t, 1, w.Tally.ImagesUploaded)
	assert.NotContains(t, w.Images, "a")

	assert.Equal(t, models.ItemImaged, w.Items[1].State)
	assert.Equal(t, 2, store.calls)
}

func TestStage_FailedUploadKeepsTemporaryReference(t *testing.T) {
	store := newFakeStore(10)
	s := newTestStage(store)
	w := imagedWork()

	require.NoError(t, s.Execute(context.Background(), w))

	item := w.Items[0]
	assert.False(t, item.Failed())
	assert.True(t, item.Flags.StoragePending)
	assert.Equal(t, "https://tmp/a", item.ImageURL)
	assert.Equal(t, models.ImageRefTemporary, item.ImageRef)
	assert.Equal(t, 1, w.Tally.StoragePending)
	assert.Equal(t, 3, store.calls)
}

func TestKey_IsContentAddressed(t *testing.T) {
	a := &models.ImageCandidate{Data: []byte("one"), ContentType: "image/jpeg"}
	b := &models.ImageCandidate{Data: []byte("two"), ContentType: "image/jpeg"}

	assert.Equal(t, Key("recipes", "b", "i", a), Key("recipes", "b", "i", a))
	assert.NotEqual(t, Key("recipes", "b", "i", a), Key("recipes", "b", "i", b))
	assert.True(t, strings.HasSuffix(Key("recipes", "b", "i", a), ".jpg"))
}
