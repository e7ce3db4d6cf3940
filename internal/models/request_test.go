package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerationRequest_Validate(t *testing.T) {
	for name, tc := range map[string]struct {
		req GenerationRequest
		ok  bool
	}{
		"minimal":          {GenerationRequest{Count: 1}, true},
		"max count":        {GenerationRequest{Count: MaxRequestCount}, true},
		"zero count":       {GenerationRequest{Count: 0}, false},
		"too many":         {GenerationRequest{Count: MaxRequestCount + 1}, false},
		"negative chunk":   {GenerationRequest{Count: 5, ChunkSize: -1}, false},
		"max chunk":        {GenerationRequest{Count: 50, ChunkSize: MaxChunkSize}, true},
		"oversized chunk":  {GenerationRequest{Count: 500, ChunkSize: 500}, false},
		"store w/o images": {GenerationRequest{Count: 5, StoreImages: true}, false},
		"inverted range": {GenerationRequest{Count: 5, Constraints: TargetConstraints{
			Calories: Range{Min: 800, Max: 400},
		}}, false},
	} {
		err := tc.req.Validate()
		if tc.ok {
			assert.NoError(t, err, name)
		} else {
			assert.Error(t, err, name)
		}
	}
}
