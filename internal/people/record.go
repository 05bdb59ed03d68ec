package people

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

var (
	// ErrMissingGivenName indicates that a record has no given name.
	ErrMissingGivenName = errors.New("people: given name is required")
	// ErrMissingPaternalSurname indicates that a record has no paternal surname.
	ErrMissingPaternalSurname = errors.New("people: paternal surname is required")
)

// PersonRecord is one person row read from the registration table.
type PersonRecord struct {
	GivenName       string
	PaternalSurname string
	// MaternalSurname is nil when the column is NULL.
	MaternalSurname *string
}

// NewPersonRecord builds a record; an empty maternal surname is stored as absent.
func NewPersonRecord(givenName, paternalSurname, maternalSurname string) PersonRecord {
	record := PersonRecord{
		GivenName:       givenName,
		PaternalSurname: paternalSurname,
	}
	if maternalSurname != "" {
		maternal := maternalSurname
		record.MaternalSurname = &maternal
	}
	return record
}

// Validate reports whether the record satisfies the non-empty name invariant.
func (r PersonRecord) Validate() error {
	if strings.TrimSpace(r.GivenName) == "" {
		return ErrMissingGivenName
	}
	if strings.TrimSpace(r.PaternalSurname) == "" {
		return fmt.Errorf("%w (given name %q)", ErrMissingPaternalSurname, r.GivenName)
	}
	return nil
}

// Maternal returns the maternal surname or an empty string when absent.
func (r PersonRecord) Maternal() string {
	if r.MaternalSurname == nil {
		return ""
	}
	return *r.MaternalSurname
}

// Label joins the name fields with single spaces. Internal whitespace inside a
// field is kept as-is.
func (r PersonRecord) Label() string {
	parts := []string{r.GivenName, r.PaternalSurname}
	if maternal := r.Maternal(); strings.TrimSpace(maternal) != "" {
		parts = append(parts, maternal)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// MatchKey returns the identity key used to compare people.
func (r PersonRecord) MatchKey() string {
	return MatchKey(r.Label())
}

// Normalize returns the display label together with its match key.
func (r PersonRecord) Normalize() (string, string) {
	label := r.Label()
	return label, MatchKey(label)
}

// ValueBase derives the machine-safe choice value for the record:
// lower-cased fields with spaces replaced by underscores, joined by underscores.
func (r PersonRecord) ValueBase() string {
	fields := []string{r.GivenName, r.PaternalSurname}
	if maternal := r.Maternal(); strings.TrimSpace(maternal) != "" {
		fields = append(fields, maternal)
	}
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(field)), " ", "_")
		parts = append(parts, slug)
	}
	return strings.TrimRight(strings.Join(parts, "_"), "_")
}

// MatchKey case-folds an already-built label. Labels coming from the form are
// trimmed first so that stray padding in a stored choice does not defeat matching.
func MatchKey(label string) string {
	return cases.Fold().String(strings.TrimSpace(label))
}
