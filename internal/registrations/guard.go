package registrations

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/kobosync/internal/people"
)

// ErrMissingNameFields indicates that no naming scheme matched the submission.
var ErrMissingNameFields = errors.New("registrations: missing name fields")

// NameScheme names the submission fields carrying the three name parts.
type NameScheme struct {
	GivenName       string
	PaternalSurname string
	MaternalSurname string
}

// DefaultNameSchemes lists the field spellings produced by the registration form, in priority order.
var DefaultNameSchemes = []NameScheme{
	{GivenName: "nombre", PaternalSurname: "apellido paterno", MaternalSurname: "apellido materno"},
	{GivenName: "Nombre", PaternalSurname: "Apellido_paterno", MaternalSurname: "Apellido_materno"},
}

// PersonLookup answers whether a person with the given match key is already stored.
type PersonLookup interface {
	PersonExists(ctx context.Context, matchKey string) (bool, error)
}

// ExtractPerson builds a person record from the first scheme whose given name and
// paternal surname fields are both present and non-blank. The maternal surname is optional.
func ExtractPerson(fields map[string]string, schemes []NameScheme) (people.PersonRecord, error) {
	record, _, err := matchScheme(fields, schemes)
	return record, err
}

func matchScheme(fields map[string]string, schemes []NameScheme) (people.PersonRecord, NameScheme, error) {
	for _, scheme := range schemes {
		givenName, hasGiven := fields[scheme.GivenName]
		paternal, hasPaternal := fields[scheme.PaternalSurname]
		if !hasGiven || !hasPaternal {
			continue
		}
		record := people.NewPersonRecord(givenName, paternal, fields[scheme.MaternalSurname])
		if record.Validate() != nil {
			continue
		}
		return record, scheme, nil
	}
	return people.PersonRecord{}, NameScheme{}, ErrMissingNameFields
}

// registrationFields drops the name fields of every scheme other than matched,
// so the stored name columns carry the person that was checked.
func registrationFields(fields map[string]string, matched NameScheme, schemes []NameScheme) map[string]string {
	kept := map[string]struct{}{
		matched.GivenName:       {},
		matched.PaternalSurname: {},
		matched.MaternalSurname: {},
	}
	result := make(map[string]string, len(fields))
	for key, value := range fields {
		result[key] = value
	}
	for _, scheme := range schemes {
		for _, key := range []string{scheme.GivenName, scheme.PaternalSurname, scheme.MaternalSurname} {
			if _, ok := kept[key]; !ok {
				delete(result, key)
			}
		}
	}
	return result
}

// ShouldInsert reports whether the submission names a person not yet stored.
func ShouldInsert(ctx context.Context, fields map[string]string, lookup PersonLookup) (bool, error) {
	record, err := ExtractPerson(fields, DefaultNameSchemes)
	if err != nil {
		return false, err
	}
	exists, err := lookup.PersonExists(ctx, record.MatchKey())
	if err != nil {
		return false, err
	}
	return !exists, nil
}
