package generation

import (
	"fmt"

	"github.com/feichai0017/recipe-pipeline/internal/models"
)

// DefaultChunkSize keeps one text-generation call inside its timeout.
const DefaultChunkSize = 5

// PlanChunks splits count into ceil(count/size) chunks. Every chunk but the
// last has size items. Chunk indexes start at 1.
func PlanChunks(count, size int) ([]models.Chunk, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	n := (count + size - 1) / size
	chunks := make([]models.Chunk, 0, n)
	for i := 0; i < n; i++ {
		s := size
		if rest := count - i*size; rest < size {
			s = rest
		}
		chunks = append(chunks, models.Chunk{Index: i + 1, Size: s})
	}
	return chunks, nil
}
