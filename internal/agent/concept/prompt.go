package concept

import (
	"fmt"
	"strings"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

// BuildPrompt turns the request into the instruction sent for one chunk.
func BuildPrompt(req models.GenerationRequest, count int, exclude []string) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("Create %d distinct, realistic recipes.", count))

	if len(req.Categories) > 0 {
		lines = append(lines, fmt.Sprintf("Categories to draw from: %s.", strings.Join(req.Categories, ", ")))
	}
	if len(req.Constraints.Cuisines) > 0 {
		lines = append(lines, fmt.Sprintf("Cuisines: %s.", strings.Join(req.Constraints.Cuisines, ", ")))
	}
	if len(req.Constraints.Diets) > 0 {
		lines = append(lines, fmt.Sprintf("Every recipe must suit these diets: %s.", strings.Join(req.Constraints.Diets, ", ")))
	}

	c := req.Constraints
	for _, r := range []struct {
		label string
		rng   models.Range
		unit  string
	}{
		{"Calories per serving", c.Calories, "kcal"},
		{"Protein per serving", c.Protein, "g"},
		{"Carbohydrates per serving", c.Carbs, "g"},
		{"Fat per serving", c.Fat, "g"},
	} {
		if line := describeRange(r.label, r.rng, r.unit); line != "" {
			lines = append(lines, line)
		}
	}

	if len(exclude) > 0 {
		lines = append(lines, fmt.Sprintf("Do not repeat any of these recipes: %s.", strings.Join(exclude, "; ")))
	}

	lines = append(lines,
		"Nutrition values are per serving. Use keys calories, protein_g, carbs_g, fat_g, fiber_g, sugar_g, sodium_mg and macro_total_g (protein_g + carbs_g + fat_g).",
		"Calories must agree with 4 kcal/g protein, 4 kcal/g carbohydrate and 9 kcal/g fat.",
		`Respond with JSON only: {"recipes":[{"name":"","description":"","category":"","cuisine":"","tags":[],"ingredients":[],"steps":[],"servings":1,"prepMinutes":0,"nutrition":{}}]}`,
	)
	return strings.Join(lines, "\n")
}

func describeRange(label string, r models.Range, unit string) string {
	switch {
	case r.IsZero():
		return ""
	case r.Max == 0:
		return fmt.Sprintf("%s: at least %.0f %s.", label, r.Min, unit)
	case r.Min == 0:
		return fmt.Sprintf("%s: at most %.0f %s.", label, r.Max, unit)
	default:
		return fmt.Sprintf("%s: between %.0f and %.0f %s.", label, r.Min, r.Max, unit)
	}
}
