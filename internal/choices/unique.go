package choices

import (
	"errors"
	"fmt"
)

// DefaultMaxAttempts bounds the number of candidates tried for one value.
const DefaultMaxAttempts = 10

// ErrTooManyCollisions indicates that no free candidate was found within the attempt budget.
var ErrTooManyCollisions = errors.New("choices: too many collisions")

// MakeUnique returns base when it is free, otherwise the first free base_N for N = 1, 2, ...
// maxAttempts counts every candidate including base itself, so a budget of 10
// tries base and base_1 through base_9. The caller must add the result to taken
// before asking for the next value of a batch.
func MakeUnique(base string, taken map[string]struct{}, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if _, exists := taken[base]; !exists {
		return base, nil
	}
	for suffix := 1; suffix < maxAttempts; suffix++ {
		candidate := fmt.Sprintf("%s_%d", base, suffix)
		if _, exists := taken[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q after %d attempts", ErrTooManyCollisions, base, maxAttempts)
}
