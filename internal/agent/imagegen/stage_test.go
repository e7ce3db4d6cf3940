package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/agent/imagestore"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
)

// blockPNG draws an 8x8 grid of random grey blocks.
func blockPNG(t *testing.T, seed int64) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for by := 0; by < 8; by++ {
		for bx := 0; bx < 8; bx++ {
			v := uint8(rng.Intn(256))
			for y := by * 16; y < (by+1)*16; y++ {
				for x := bx * 16; x < (bx+1)*16; x++ {
					img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
				}
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeGenerator struct {
	data    []byte
	err     error
	prompts []string
	// inline mimics services that answer with b64_json only.
	inline bool
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (*Image, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	if f.inline {
		return &Image{Data: f.data}, nil
	}
	return &Image{Data: f.data, URL: "https://img.example/tmp.png"}, nil
}

// scriptedHistory returns similarities in order, then 0.
type scriptedHistory struct {
	sims       []float64
	calls      int
	remembered []models.Fingerprint
}

func (h *scriptedHistory) MaxSimilarity(context.Context, models.Fingerprint) (float64, error) {
	i := h.calls
	h.calls++
	if i < len(h.sims) {
		return h.sims[i], nil
	}
	return 0, nil
}

func (h *scriptedHistory) Remember(_ context.Context, fp models.Fingerprint) error {
	h.remembered = append(h.remembered, fp)
	return nil
}

func (h *scriptedHistory) Len() int { return len(h.remembered) }

func newTestStage(gen Generator, placeholder string) *Stage {
	unit := retry.New("image", retry.DefaultPolicy(), logger.NewNop(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return NewStage(gen, unit, nil, Config{Placeholder: placeholder}, logger.NewTestLogger())
}

func workWith(history agent.History, names ...string) *agent.Work {
	w := agent.NewWork("b1", models.Chunk{Size: len(names)}, models.GenerationRequest{Count: len(names), GenerateImage: true}, history, nil)
	for _, n := range names {
		w.Items = append(w.Items, &models.ContentItem{ID: "id-" + n, Name: n, State: models.ItemValidated})
	}
	return w
}

func TestStage_AcceptsUniqueImage(t *testing.T) {
	gen := &fakeGenerator{data: blockPNG(t, 1)}
	s := newTestStage(gen, "")
	w := workWith(NewBatchHistory(), "Pad Thai")

	require.NoError(t, s.Execute(context.Background(), w))

	item := w.Items[0]
	assert.Equal(t, models.ItemImaged, item.State)
	assert.Equal(t, models.ImageRefTemporary, item.ImageRef)
	assert.Equal(t, "https://img.example/tmp.png", item.ImageURL)
	assert.Equal(t, "image/png", w.Images[item.ID].ContentType)
	assert.Equal(t, 1, w.Tally.ImagesGenerated)
	assert.Equal(t, 1, w.History.Len())
	assert.False(t, item.Flags.SoftDuplicate)
}

func TestStage_RegeneratesDuplicateThenAccepts(t *testing.T) {
	gen := &fakeGenerator{data: blockPNG(t, 1)}
	h := &scriptedHistory{sims: []float64{0, 0.97, 0.40}}
	s := newTestStage(gen, "")
	w := workWith(h, "Ramen", "Udon")

	require.NoError(t, s.Execute(context.Background(), w))

	require.Len(t, gen.prompts, 3)
	assert.Contains(t, gen.prompts[2], "Variation 2")
	assert.False(t, w.Items[1].Flags.SoftDuplicate)
	assert.Equal(t, 2, w.Images["id-Udon"].Attempt)
	assert.Equal(t, 0, w.Tally.SoftDuplicates)
}

func TestStage_AcceptsDuplicateAfterAttemptsAndFlags(t *testing.T) {
	gen := &fakeGenerator{data: blockPNG(t, 1)}
	h := &scriptedHistory{sims: []float64{0, 0.98, 0.97, 0.99}}
	s := newTestStage(gen, "")
	w := workWith(h, "Ramen", "Udon")

	require.NoError(t, s.Execute(context.Background(), w))

	assert.Len(t, gen.prompts, 4)
	second := w.Items[1]
	assert.Equal(t, models.ItemImaged, second.State)
	assert.True(t, second.Flags.SoftDuplicate)
	assert.Equal(t, 1, w.Tally.SoftDuplicates)
	assert.Equal(t, 2, w.Tally.ImagesGenerated)
	assert.InDelta(t, 0.97, w.Images[second.ID].Similarity, 1e-9)
	assert.Equal(t, 2, w.Images[second.ID].Attempt)
}

func TestStage_IdenticalImagesAreDuplicates(t *testing.T) {
	gen := &fakeGenerator{data: blockPNG(t, 2)}
	s := newTestStage(gen, "")
	w := workWith(NewBatchHistory(), "Tacos", "Burritos")

	require.NoError(t, s.Execute(context.Background(), w))

	assert.Len(t, gen.prompts, 4)
	assert.False(t, w.Items[0].Flags.SoftDuplicate)
	assert.True(t, w.Items[1].Flags.SoftDuplicate)
}

func TestStage_FallsBackToPlaceholder(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("503 service unavailable")}
	s := newTestStage(gen, "https://cdn.example/placeholder.png")
	w := workWith(NewBatchHistory(), "Paella")

	require.NoError(t, s.Execute(context.Background(), w))

	item := w.Items[0]
	assert.Equal(t, models.ItemImaged, item.State)
	assert.True(t, item.Flags.ImageFallback)
	assert.Equal(t, models.ImageRefPlaceholder, item.ImageRef)
	assert.Equal(t, "https://cdn.example/placeholder.png", item.ImageURL)
	assert.Equal(t, 1, w.Tally.ImageFallbacks)
	assert.Empty(t, w.Images)
	assert.Equal(t, 3, s.Metrics().Ops["generate_image"].Attempts)
}

func TestStage_UndecodableImageIsRetried(t *testing.T) {
	gen := &fakeGenerator{data: []byte("not an image")}
	s := newTestStage(gen, "")
	w := workWith(NewBatchHistory(), "Borscht")

	require.NoError(t, s.Execute(context.Background(), w))
	assert.Len(t, gen.prompts, 3)
	assert.True(t, w.Items[0].Flags.ImageFallback)
}

func TestFingerprinter_Similarity(t *testing.T) {
	f := NewFingerprinter(nil)
	a1, err := f.FromBytes(blockPNG(t, 1))
	require.NoError(t, err)
	a2, err := f.FromBytes(blockPNG(t, 1))
	require.NoError(t, err)
	b, err := f.FromBytes(blockPNG(t, 2))
	require.NoError(t, err)

	assert.Equal(t, 1.0, a1.Similarity(a2))
	assert.Less(t, a1.Similarity(b), 0.95)

	_, err = f.FromBytes(nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestReseed_IsDeterministic(t *testing.T) {
	item := &models.ContentItem{Name: "Falafel"}
	base := BuildPrompt(item)
	assert.Equal(t, base, Reseed(base, item, 1))
	assert.Equal(t, Reseed(base, item, 2), Reseed(base, item, 2))
	assert.NotEqual(t, Reseed(base, item, 2), Reseed(base, item, 3))
}

func TestCombinedHistory_IgnoresSharedFailure(t *testing.T) {
	batch := NewBatchHistory()
	h := NewCombinedHistory(batch, failingHistory{}, nil)

	require.NoError(t, h.Remember(context.Background(), 0xff))
	sim, err := h.MaxSimilarity(context.Background(), 0xff)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sim)
	assert.Equal(t, 1, batch.Len())
}

type failingHistory struct{}

func (failingHistory) MaxSimilarity(context.Context, models.Fingerprint) (float64, error) {
	return 0, errors.New("redis down")
}
func (failingHistory) Remember(context.Context, models.Fingerprint) error {
	return errors.New("redis down")
}
func (failingHistory) Len() int { return 0 }

type downStore struct{ calls int }

func (d *downStore) Store(context.Context, io.Reader, string, string) (string, error) {
	d.calls++
	return "", errors.New("bucket unavailable")
}

func (d *downStore) URL(key string) string { return "https://cdn.example/" + key }

func TestStage_InlineImageGetsDataURI(t *testing.T) {
	data := blockPNG(t, 7)
	s := newTestStage(&fakeGenerator{data: data, inline: true}, "")
	w := workWith(NewBatchHistory(), "Ramen")

	require.NoError(t, s.Execute(context.Background(), w))

	item := w.Items[0]
	assert.Equal(t, models.ItemImaged, item.State)
	assert.Equal(t, models.ImageRefTemporary, item.ImageRef)
	assert.False(t, item.Flags.ImageFallback)
	require.True(t, strings.HasPrefix(item.ImageURL, "data:image/png;base64,"))

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(item.ImageURL, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestStage_InlineImageSurvivesFailedUpload(t *testing.T) {
	s := newTestStage(&fakeGenerator{data: blockPNG(t, 8), inline: true}, "")
	w := workWith(NewBatchHistory(), "Laksa")
	w.Request.StoreImages = true
	require.NoError(t, s.Execute(context.Background(), w))

	store := &downStore{}
	unit := retry.New("storage", retry.DefaultPolicy(), logger.NewNop(),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, imagestore.NewStage(store, unit, "", nil).Execute(context.Background(), w))

	item := w.Items[0]
	assert.Equal(t, 3, store.calls)
	assert.False(t, item.Failed())
	assert.True(t, item.Flags.StoragePending)
	assert.Equal(t, models.ImageRefTemporary, item.ImageRef)
	assert.True(t, strings.HasPrefix(item.ImageURL, "data:image/png;base64,"))
}
