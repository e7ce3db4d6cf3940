package imagegen

import (
	"fmt"
	"strings"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

var variations = []string{
	"overhead flat lay on a rustic wooden table",
	"close-up at a 45 degree angle with shallow depth of field",
	"side view on a light marble counter with natural window light",
	"served in a dark ceramic bowl on linen, moody lighting",
	"plated on white porcelain with fresh garnish, bright studio light",
}

// BuildPrompt describes the dish for the image service.
func BuildPrompt(item *models.ContentItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Professional food photograph of %s", item.Name)
	if item.Cuisine != "" {
		fmt.Fprintf(&b, ", %s cuisine", item.Cuisine)
	}
	if item.Description != "" {
		fmt.Fprintf(&b, ". %s", strings.TrimSuffix(item.Description, "."))
	}
	if len(item.Ingredients) > 0 {
		n := len(item.Ingredients)
		if n > 5 {
			n = 5
		}
		fmt.Fprintf(&b, ". Visible ingredients: %s", strings.Join(item.Ingredients[:n], ", "))
	}
	b.WriteString(". Appetizing, realistic, no text or watermarks.")
	return b.String()
}

// Reseed varies prompt for a regeneration attempt. Attempt 1 is the plain
// prompt; later attempts pick a composition deterministically from the item
// and attempt so reruns are reproducible.
func Reseed(prompt string, item *models.ContentItem, attempt int) string {
	if attempt <= 1 {
		return prompt
	}
	var h uint32
	for _, r := range item.Name {
		h = h*31 + uint32(r)
	}
	v := variations[(int(h%uint32(len(variations)))+attempt)%len(variations)]
	return fmt.Sprintf("%s Composition: %s. Variation %d.", prompt, v, attempt)
}
