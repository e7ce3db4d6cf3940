package imagegen

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/http"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

// ErrEmptyImage is returned for a zero-length payload.
var ErrEmptyImage = errors.New("image payload is empty")

// Fingerprinter computes perceptual fingerprints from encoded image bytes.
type Fingerprinter struct {
	chain Chain
}

// NewFingerprinter uses chain to normalise images; nil means DefaultChain.
func NewFingerprinter(chain Chain) *Fingerprinter {
	if chain == nil {
		chain = DefaultChain()
	}
	return &Fingerprinter{chain: chain}
}

// Decode parses encoded bytes into an image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// FromBytes decodes data and fingerprints it.
func (f *Fingerprinter) FromBytes(data []byte) (models.Fingerprint, error) {
	img, err := Decode(data)
	if err != nil {
		return 0, err
	}
	return f.FromImage(img)
}

// FromImage fingerprints an already decoded image.
func (f *Fingerprinter) FromImage(img image.Image) (models.Fingerprint, error) {
	norm, err := f.chain.Process(img)
	if err != nil {
		return 0, fmt.Errorf("failed to normalise image: %w", err)
	}
	h, err := goimagehash.PerceptionHash(norm)
	if err != nil {
		return 0, fmt.Errorf("failed to hash image: %w", err)
	}
	return models.Fingerprint(h.GetHash()), nil
}

// ContentType sniffs the MIME type of data, falling back to declared.
func ContentType(data []byte, declared string) string {
	sniffed := http.DetectContentType(data)
	if sniffed == "application/octet-stream" && declared != "" {
		return declared
	}
	return sniffed
}

// DataURI inlines data as a reference for images the service returned
// without a URL.
func DataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
