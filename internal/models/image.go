package models

import (
	"fmt"
	"math/bits"
	"strconv"
)

// FingerprintBits is the length of a perceptual fingerprint.
const FingerprintBits = 64

// Fingerprint is a 64-bit perceptual hash of image content.
type Fingerprint uint64

// Distance is the Hamming distance between two fingerprints.
func (f Fingerprint) Distance(o Fingerprint) int {
	return bits.OnesCount64(uint64(f ^ o))
}

// Similarity is 1 - distance/bits, so identical content scores 1.
func (f Fingerprint) Similarity(o Fingerprint) float64 {
	return 1 - float64(f.Distance(o))/FingerprintBits
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// ParseFingerprint reads the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}

// MarshalText keeps fingerprints readable in JSON and redis.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(b []byte) error {
	v, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ImageCandidate is a generated image awaiting the duplicate check. Only the
// accepted candidate survives past the image stage.
type ImageCandidate struct {
	ItemID       string      `json:"itemId"`
	Data         []byte      `json:"-"`
	ContentType  string      `json:"contentType"`
	TemporaryURL string      `json:"temporaryUrl,omitempty"`
	Prompt       string      `json:"prompt"`
	Attempt      int         `json:"attempt"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	Similarity   float64     `json:"similarity"`
}
