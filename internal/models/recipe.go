package models

import (
	"sort"
	"time"
)

// Nutrition field names used in a NutritionProfile.
const (
	FieldCalories   = "calories"
	FieldProtein    = "protein_g"
	FieldCarbs      = "carbs_g"
	FieldFat        = "fat_g"
	FieldFiber      = "fiber_g"
	FieldSugar      = "sugar_g"
	FieldSodium     = "sodium_mg"
	FieldMacroTotal = "macro_total_g"
)

// NutritionProfile maps named numeric fields to values. Absent keys are
// missing fields, which matters for required ones.
type NutritionProfile map[string]float64

// Get returns the value and whether it was declared.
func (p NutritionProfile) Get(field string) (float64, bool) {
	v, ok := p[field]
	return v, ok
}

// Fields returns declared field names in stable order.
func (p NutritionProfile) Fields() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone copies the profile.
func (p NutritionProfile) Clone() NutritionProfile {
	out := make(NutritionProfile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ItemState walks draft -> validated -> imaged -> stored -> persisted, with
// failed as a sink.
type ItemState string

const (
	ItemDraft     ItemState = "draft"
	ItemValidated ItemState = "validated"
	ItemImaged    ItemState = "imaged"
	ItemStored    ItemState = "stored"
	ItemPersisted ItemState = "persisted"
	ItemFailed    ItemState = "failed"
)

// ImageRefKind says where an item's image reference points.
type ImageRefKind string

const (
	ImageRefNone        ImageRefKind = ""
	ImageRefTemporary   ImageRefKind = "temporary"
	ImageRefPermanent   ImageRefKind = "permanent"
	ImageRefPlaceholder ImageRefKind = "placeholder"
)

// ItemFlags are non-fatal annotations carried into the summary.
type ItemFlags struct {
	AutoFixed      bool `json:"autoFixed,omitempty"`
	SoftDuplicate  bool `json:"softDuplicate,omitempty"`
	StoragePending bool `json:"storagePending,omitempty"`
	ImageFallback  bool `json:"imageFallback,omitempty"`
}

// ContentItem is one generated recipe as it moves through the stages.
type ContentItem struct {
	ID          string           `json:"id"`
	BatchID     string           `json:"batchId"`
	ChunkIndex  int              `json:"chunkIndex"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	Cuisine     string           `json:"cuisine,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Ingredients []string         `json:"ingredients,omitempty"`
	Steps       []string         `json:"steps,omitempty"`
	Servings    int              `json:"servings"`
	PrepMinutes int              `json:"prepMinutes,omitempty"`
	Nutrition   NutritionProfile `json:"nutrition"`

	ImageURL     string       `json:"imageUrl,omitempty"`
	ImageRef     ImageRefKind `json:"imageRef,omitempty"`
	ImageKey     string       `json:"imageKey,omitempty"`
	ImagePrompt  string       `json:"imagePrompt,omitempty"`
	Fingerprint  Fingerprint  `json:"fingerprint,omitempty"`
	RecordID     string       `json:"recordId,omitempty"`
	State        ItemState    `json:"state"`
	FailedStage  string       `json:"failedStage,omitempty"`
	FailedReason string       `json:"failedReason,omitempty"`
	Flags        ItemFlags    `json:"flags"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Failed reports whether the item dropped out of the pipeline.
func (c *ContentItem) Failed() bool { return c.State == ItemFailed }

// Fail marks the item failed at stage for reason.
func (c *ContentItem) Fail(stage, reason string) {
	c.State = ItemFailed
	c.FailedStage = stage
	c.FailedReason = reason
}

// Advance moves the item forward unless it already failed.
func (c *ContentItem) Advance(state ItemState) {
	if c.State == ItemFailed {
		return
	}
	c.State = state
}

// RecipeDraft is what the text-generation service returns per recipe.
type RecipeDraft struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Category    string           `json:"category"`
	Cuisine     string           `json:"cuisine"`
	Tags        []string         `json:"tags"`
	Ingredients []string         `json:"ingredients"`
	Steps       []string         `json:"steps"`
	Servings    int              `json:"servings"`
	PrepMinutes int              `json:"prepMinutes"`
	Nutrition   NutritionProfile `json:"nutrition"`
}
