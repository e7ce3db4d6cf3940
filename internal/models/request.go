package models

import (
	"fmt"
	"strings"
)

// Range is an inclusive numeric bound; a zero Max means unbounded.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// IsZero reports whether r places no constraint.
func (r Range) IsZero() bool { return r.Min == 0 && r.Max == 0 }

// Contains reports whether v satisfies r.
func (r Range) Contains(v float64) bool {
	if r.IsZero() {
		return true
	}
	if v < r.Min {
		return false
	}
	return r.Max == 0 || v <= r.Max
}

// TargetConstraints narrows what the text generator is asked to produce and
// what the validator accepts.
type TargetConstraints struct {
	Calories Range    `json:"calories"`
	Protein  Range    `json:"protein"`
	Carbs    Range    `json:"carbs"`
	Fat      Range    `json:"fat"`
	Diets    []string `json:"diets,omitempty"`
	Cuisines []string `json:"cuisines,omitempty"`
}

// GenerationRequest is what a caller asks for. It is immutable once accepted.
type GenerationRequest struct {
	Count         int               `json:"count"`
	Categories    []string          `json:"categories,omitempty"`
	Constraints   TargetConstraints `json:"constraints"`
	GenerateImage bool              `json:"generateImages"`
	StoreImages   bool              `json:"storeImages"`
	ChunkSize     int               `json:"chunkSize,omitempty"`
	RequestedBy   string            `json:"requestedBy,omitempty"`
}

// MaxRequestCount caps a single batch.
const MaxRequestCount = 500

// MaxChunkSize caps how many items one text-generation call may carry.
const MaxChunkSize = 25

// Validate checks the request before a batch is created.
func (r GenerationRequest) Validate() error {
	if r.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", r.Count)
	}
	if r.Count > MaxRequestCount {
		return fmt.Errorf("count %d exceeds maximum of %d", r.Count, MaxRequestCount)
	}
	if r.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", r.ChunkSize)
	}
	if r.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d exceeds maximum of %d", r.ChunkSize, MaxChunkSize)
	}
	for name, rg := range map[string]Range{
		"calories": r.Constraints.Calories,
		"protein":  r.Constraints.Protein,
		"carbs":    r.Constraints.Carbs,
		"fat":      r.Constraints.Fat,
	} {
		if rg.Min < 0 || rg.Max < 0 {
			return fmt.Errorf("%s range must not be negative", name)
		}
		if rg.Max != 0 && rg.Max < rg.Min {
			return fmt.Errorf("%s range max %.1f is below min %.1f", name, rg.Max, rg.Min)
		}
	}
	if r.StoreImages && !r.GenerateImage {
		return fmt.Errorf("storeImages requires generateImages")
	}
	return nil
}

// Copy returns a deep copy so the accepted request cannot be mutated by the caller.
func (r GenerationRequest) Copy() GenerationRequest {
	out := r
	out.Categories = append([]string(nil), r.Categories...)
	out.Constraints.Diets = append([]string(nil), r.Constraints.Diets...)
	out.Constraints.Cuisines = append([]string(nil), r.Constraints.Cuisines...)
	for i, c := range out.Categories {
		out.Categories[i] = strings.TrimSpace(c)
	}
	return out
}
