package validation

import (
	"fmt"
	"math"
	"strings"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

// Error codes for findings.
const (
	CodeMissingField = "missing_field"
	CodeNegative     = "negative_value"
	CodeOutOfBounds  = "out_of_bounds"
	CodeInconsistent = "inconsistent"
	CodeOutOfTarget  = "out_of_target"
	CodeRecomputed   = "recomputed"
	CodeClamped      = "clamped"
	CodeDefaulted    = "defaulted"
)

// Finding is one rule outcome on one field.
type Finding struct {
	Code    string  `json:"code"`
	Field   string  `json:"field,omitempty"`
	Message string  `json:"message"`
	Fixed   bool    `json:"fixed"`
	Before  float64 `json:"before,omitempty"`
	After   float64 `json:"after,omitempty"`
}

// Result is the outcome for one item.
type Result struct {
	IsValid  bool      `json:"isValid"`
	Fixes    []Finding `json:"fixes,omitempty"`
	Errors   []Finding `json:"errors,omitempty"`
	Findings int       `json:"findings"`
}

// AutoFixed reports whether the item was corrected in place.
func (r Result) AutoFixed() bool { return r.IsValid && len(r.Fixes) > 0 }

// Reason joins error messages for item failure reporting.
func (r Result) Reason() string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

// FieldSpec declares one nutrition field.
type FieldSpec struct {
	Name     string
	Required bool
	Max      float64
}

// Config tunes the validator.
type Config struct {
	Fields []FieldSpec
	// NegativeSlack is how far below zero a value may be and still be clamped.
	NegativeSlack float64
	// SubFieldSlack is how far sugar/fiber may exceed carbs and still be clamped.
	SubFieldSlack float64
	// MacroTolerance is the exact-match window for macro_total_g.
	MacroTolerance float64
	// MacroFixAbs and MacroFixRatio bound a recomputable macro total mismatch.
	MacroFixAbs   float64
	MacroFixRatio float64
	// CalorieTolerance and CalorieFixRatio are relative deviations from 4/4/9.
	CalorieTolerance float64
	CalorieFixRatio  float64
}

// DefaultConfig holds the nutrition rules.
func DefaultConfig() Config {
	return Config{
		Fields: []FieldSpec{
			{Name: models.FieldCalories, Required: true, Max: 5000},
			{Name: models.FieldProtein, Required: true, Max: 500},
			{Name: models.FieldCarbs, Required: true, Max: 500},
			{Name: models.FieldFat, Required: true, Max: 500},
			{Name: models.FieldFiber, Max: 500},
			{Name: models.FieldSugar, Max: 500},
			{Name: models.FieldSodium, Max: 10000},
			{Name: models.FieldMacroTotal, Max: 1500},
		},
		NegativeSlack:    0.5,
		SubFieldSlack:    0.5,
		MacroTolerance:   0.5,
		MacroFixAbs:      2,
		MacroFixRatio:    0.05,
		CalorieTolerance: 0.10,
		CalorieFixRatio:  0.25,
	}
}

// Validator checks and repairs nutrition profiles. It does no I/O.
type Validator struct {
	config Config
}

// NewValidator creates a validator; a nil config means DefaultConfig.
func NewValidator(config *Config) *Validator {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	return &Validator{config: *config}
}

// Validate applies every rule to item, mutating it for auto-fixes.
func (v *Validator) Validate(item *models.ContentItem, target models.TargetConstraints) Result {
	res := Result{}
	if item.Nutrition == nil {
		item.Nutrition = models.NutritionProfile{}
	}
	p := item.Nutrition

	if strings.TrimSpace(item.Name) == "" {
		res.Errors = append(res.Errors, Finding{Code: CodeMissingField, Field: "name", Message: "name is required"})
	}

	for _, f := range v.config.Fields {
		val, ok := p[f.Name]
		if !ok {
			if f.Required {
				res.Errors = append(res.Errors, Finding{
					Code: CodeMissingField, Field: f.Name,
					Message: fmt.Sprintf("%s is required", f.Name),
				})
			}
			continue
		}
		if math.IsNaN(val) || math.IsInf(val, 0) {
			res.Errors = append(res.Errors, Finding{
				Code: CodeOutOfBounds, Field: f.Name,
				Message: fmt.Sprintf("%s is not a finite number", f.Name),
			})
			continue
		}
		if val < 0 {
			if val >= -v.config.NegativeSlack {
				p[f.Name] = 0
				res.Fixes = append(res.Fixes, Finding{
					Code: CodeClamped, Field: f.Name, Fixed: true, Before: val, After: 0,
					Message: fmt.Sprintf("%s clamped from %.2f to 0", f.Name, val),
				})
				continue
			}
			res.Errors = append(res.Errors, Finding{
				Code: CodeNegative, Field: f.Name, Before: val,
				Message: fmt.Sprintf("%s must not be negative, got %.2f", f.Name, val),
			})
			continue
		}
		if f.Max > 0 && val > f.Max {
			res.Errors = append(res.Errors, Finding{
				Code: CodeOutOfBounds, Field: f.Name, Before: val,
				Message: fmt.Sprintf("%s %.1f exceeds maximum %.0f", f.Name, val, f.Max),
			})
		}
	}

	// Reconciliation needs the required fields to be usable.
	if len(res.Errors) == 0 {
		v.checkSubFields(p, &res)
		v.checkMacroTotal(p, &res)
		v.checkCalories(p, &res)
	}
	if len(res.Errors) == 0 {
		v.checkTarget(p, target, &res)
	}

	if item.Servings < 1 {
		res.Fixes = append(res.Fixes, Finding{
			Code: CodeDefaulted, Field: "servings", Fixed: true,
			Before: float64(item.Servings), After: 1,
			Message: "servings defaulted to 1",
		})
		item.Servings = 1
	}

	res.IsValid = len(res.Errors) == 0
	res.Findings = len(res.Errors) + len(res.Fixes)
	return res
}

func (v *Validator) checkSubFields(p models.NutritionProfile, res *Result) {
	carbs := p[models.FieldCarbs]
	for _, field := range []string{models.FieldSugar, models.FieldFiber} {
		val, ok := p[field]
		if !ok || val <= carbs {
			continue
		}
		excess := val - carbs
		if excess <= v.config.SubFieldSlack {
			p[field] = carbs
			res.Fixes = append(res.Fixes, Finding{
				Code: CodeClamped, Field: field, Fixed: true, Before: val, After: carbs,
				Message: fmt.Sprintf("%s clamped to carbs_g", field),
			})
			continue
		}
		res.Errors = append(res.Errors, Finding{
			Code: CodeInconsistent, Field: field, Before: val,
			Message: fmt.Sprintf("%s %.1f exceeds carbs_g %.1f", field, val, carbs),
		})
	}
}

func (v *Validator) checkMacroTotal(p models.NutritionProfile, res *Result) {
	declared, ok := p[models.FieldMacroTotal]
	if !ok {
		return
	}
	sum := round1(p[models.FieldProtein] + p[models.FieldCarbs] + p[models.FieldFat])
	diff := math.Abs(declared - sum)
	if diff <= v.config.MacroTolerance {
		return
	}
	if diff <= math.Max(v.config.MacroFixAbs, v.config.MacroFixRatio*sum) {
		p[models.FieldMacroTotal] = sum
		res.Fixes = append(res.Fixes, Finding{
			Code: CodeRecomputed, Field: models.FieldMacroTotal, Fixed: true, Before: declared, After: sum,
			Message: fmt.Sprintf("macro_total_g recomputed from %.1f to %.1f", declared, sum),
		})
		return
	}
	res.Errors = append(res.Errors, Finding{
		Code: CodeInconsistent, Field: models.FieldMacroTotal, Before: declared,
		Message: fmt.Sprintf("macro_total_g %.1f does not match macros %.1f", declared, sum),
	})
}

// ExpectedCalories applies the 4/4/9 rule.
func ExpectedCalories(p models.NutritionProfile) float64 {
	return 4*p[models.FieldProtein] + 4*p[models.FieldCarbs] + 9*p[models.FieldFat]
}

func (v *Validator) checkCalories(p models.NutritionProfile, res *Result) {
	declared := p[models.FieldCalories]
	expected := ExpectedCalories(p)
	if expected == 0 {
		if declared == 0 {
			return
		}
		res.Errors = append(res.Errors, Finding{
			Code: CodeInconsistent, Field: models.FieldCalories, Before: declared,
			Message: "calories declared without any macronutrients",
		})
		return
	}
	dev := math.Abs(declared-expected) / expected
	if dev <= v.config.CalorieTolerance {
		return
	}
	if dev <= v.config.CalorieFixRatio {
		fixed := math.Round(expected)
		p[models.FieldCalories] = fixed
		res.Fixes = append(res.Fixes, Finding{
			Code: CodeRecomputed, Field: models.FieldCalories, Fixed: true, Before: declared, After: fixed,
			Message: fmt.Sprintf("calories recomputed from %.0f to %.0f", declared, fixed),
		})
		return
	}
	res.Errors = append(res.Errors, Finding{
		Code: CodeInconsistent, Field: models.FieldCalories, Before: declared,
		Message: fmt.Sprintf("calories %.0f deviate %.0f%% from macros (%.0f)", declared, dev*100, expected),
	})
}

func (v *Validator) checkTarget(p models.NutritionProfile, t models.TargetConstraints, res *Result) {
	for _, c := range []struct {
		field string
		rng   models.Range
	}{
		{models.FieldCalories, t.Calories},
		{models.FieldProtein, t.Protein},
		{models.FieldCarbs, t.Carbs},
		{models.FieldFat, t.Fat},
	} {
		val := p[c.field]
		if !c.rng.Contains(val) {
			res.Errors = append(res.Errors, Finding{
				Code: CodeOutOfTarget, Field: c.field, Before: val,
				Message: fmt.Sprintf("%s %.1f outside requested range", c.field, val),
			})
		}
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
