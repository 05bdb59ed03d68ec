package choices

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/kobosync/internal/people"
)

var (
	// ErrMissingListName indicates that a diff was requested without a target list.
	ErrMissingListName = errors.New("choices: list name is required")
	// ErrInvalidRecord indicates that a source record violates the name invariant.
	ErrInvalidRecord = errors.New("choices: invalid source record")
	// ErrIDGeneration indicates that the id provider failed.
	ErrIDGeneration = errors.New("choices: id generation failed")
)

var errMissingIDProvider = errors.New("choices: id provider is required")

// NewChoiceDescriptor describes one choice the differ decided to add.
type NewChoiceDescriptor struct {
	ListName    string `json:"list_name" yaml:"list_name"`
	Value       string `json:"value" yaml:"value"`
	Label       string `json:"label" yaml:"label"`
	GeneratedID string `json:"kuid" yaml:"kuid"`
}

// Choice converts the descriptor into its document shape.
func (d NewChoiceDescriptor) Choice() Choice {
	return NewChoice(d.ListName, d.Value, d.Label, d.GeneratedID)
}

// DifferConfig describes the collaborators of a Differ.
type DifferConfig struct {
	IDProvider  IDProvider
	MaxAttempts int
}

// Differ computes the choices missing from a list for a set of person records.
type Differ struct {
	idProvider  IDProvider
	maxAttempts int
}

// NewDiffer constructs a Differ.
func NewDiffer(cfg DifferConfig) (*Differ, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Differ{idProvider: cfg.IDProvider, maxAttempts: maxAttempts}, nil
}

// Diff returns one descriptor per record not yet represented in listName, in
// record order. existing may hold the whole choice collection: labels and values
// are compared within listName only, generated ids across every list.
// Any failure discards the whole batch.
func (d *Differ) Diff(listName string, existing []Choice, records []people.PersonRecord) ([]NewChoiceDescriptor, error) {
	if strings.TrimSpace(listName) == "" {
		return nil, ErrMissingListName
	}

	knownKeys := make(map[string]struct{})
	takenValues := make(map[string]struct{})
	takenIDs := make(map[string]struct{}, len(existing))
	for _, choice := range existing {
		if choice.KUID != "" {
			takenIDs[choice.KUID] = struct{}{}
		}
		if choice.ListName != listName {
			continue
		}
		knownKeys[people.MatchKey(choice.PrimaryLabel())] = struct{}{}
		takenValues[choice.Name] = struct{}{}
	}

	descriptors := make([]NewChoiceDescriptor, 0)
	for index, record := range records {
		if err := record.Validate(); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidRecord, index, err)
		}
		label, matchKey := record.Normalize()
		if _, known := knownKeys[matchKey]; known {
			continue
		}

		value, err := MakeUnique(record.ValueBase(), takenValues, d.maxAttempts)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", index, label, err)
		}
		generatedID, err := d.nextID(value, takenIDs)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", index, label, err)
		}

		descriptors = append(descriptors, NewChoiceDescriptor{
			ListName:    listName,
			Value:       value,
			Label:       label,
			GeneratedID: generatedID,
		})
		knownKeys[matchKey] = struct{}{}
		takenValues[value] = struct{}{}
		takenIDs[generatedID] = struct{}{}
	}

	return descriptors, nil
}

func (d *Differ) nextID(value string, takenIDs map[string]struct{}) (string, error) {
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		id, err := d.idProvider.NewID(value)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrIDGeneration, err)
		}
		if _, taken := takenIDs[id]; !taken && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: generated id for %q", ErrTooManyCollisions, value)
}

// Commit appends descriptors to a choice collection the way a successful push would.
func Commit(existing []Choice, descriptors []NewChoiceDescriptor) []Choice {
	merged := make([]Choice, 0, len(existing)+len(descriptors))
	merged = append(merged, existing...)
	for _, descriptor := range descriptors {
		merged = append(merged, descriptor.Choice())
	}
	return merged
}
