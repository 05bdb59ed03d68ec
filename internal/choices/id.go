package choices

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// IDProvider issues the opaque element identifier ($kuid) of a new choice.
type IDProvider interface {
	NewID(value string) (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider backed by random UUIDs.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID(string) (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return "k" + strings.ReplaceAll(value.String(), "-", "")[:8], nil
}

// SequentialProvider issues prefix1, prefix2, ... and is deterministic across runs.
type SequentialProvider struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequentialProvider constructs a SequentialProvider starting at 1.
func NewSequentialProvider(prefix string) *SequentialProvider {
	return &SequentialProvider{prefix: prefix, next: 1}
}

func (p *SequentialProvider) NewID(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("%s%d", p.prefix, p.next)
	p.next++
	return id, nil
}
