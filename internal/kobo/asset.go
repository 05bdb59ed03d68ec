package kobo

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/kobosync/internal/choices"
	"github.com/pkg/errors"
)

const (
	fieldVersionID         = "version_id"
	fieldDeployedVersionID = "deployed_version_id"
	fieldContent           = "content"
	fieldChoices           = "choices"
	fieldSurvey            = "survey"
)

// ErrMalformedAsset indicates that the asset document lacks the expected content shape.
var ErrMalformedAsset = errors.New("kobo: malformed asset document")

// Asset is the full form definition as returned by the assets endpoint. Every
// field is kept, including the ones this tool never reads, so pushing the
// document back does not drop data.
type Asset struct {
	document map[string]any
}

// DecodeAsset parses an asset document. Numbers are kept as json.Number.
func DecodeAsset(data []byte) (Asset, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	document := map[string]any{}
	if err := decoder.Decode(&document); err != nil {
		return Asset{}, errors.Wrap(ErrMalformedAsset, err.Error())
	}
	return Asset{document: document}, nil
}

// MarshalJSON renders the whole document.
func (a Asset) MarshalJSON() ([]byte, error) {
	if a.document == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a.document)
}

// Clone returns an independent copy of the document.
func (a Asset) Clone() (Asset, error) {
	data, err := a.MarshalJSON()
	if err != nil {
		return Asset{}, err
	}
	return DecodeAsset(data)
}

// UID returns the asset identifier.
func (a Asset) UID() string {
	return a.stringField("uid")
}

// Name returns the human name of the form.
func (a Asset) Name() string {
	return a.stringField("name")
}

// VersionID returns the latest saved version of the form.
func (a Asset) VersionID() string {
	return a.stringField(fieldVersionID)
}

// DeployedVersionID returns the version currently deployed to data collection.
func (a Asset) DeployedVersionID() string {
	return a.stringField(fieldDeployedVersionID)
}

// Survey returns the raw survey rows.
func (a Asset) Survey() ([]any, error) {
	content, err := a.content()
	if err != nil {
		return nil, err
	}
	survey, ok := content[fieldSurvey].([]any)
	if !ok {
		return nil, errors.Wrap(ErrMalformedAsset, "content.survey is not a list")
	}
	return survey, nil
}

// Choices decodes content.choices.
func (a Asset) Choices() ([]choices.Choice, error) {
	rawChoices, _, err := a.rawChoices()
	if err != nil {
		return nil, err
	}
	decoded := make([]choices.Choice, 0, len(rawChoices))
	for index, raw := range rawChoices {
		node, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.Wrapf(ErrMalformedAsset, "content.choices[%d] is not an object", index)
		}
		decoded = append(decoded, decodeChoice(node))
	}
	return decoded, nil
}

// AppendChoices adds choices at the end of content.choices.
func (a *Asset) AppendChoices(additions []choices.Choice) error {
	rawChoices, content, err := a.rawChoices()
	if err != nil {
		return err
	}
	for _, choice := range additions {
		rawChoices = append(rawChoices, choice.Fields())
	}
	content[fieldChoices] = rawChoices
	return nil
}

func (a Asset) content() (map[string]any, error) {
	if a.document == nil {
		return nil, errors.Wrap(ErrMalformedAsset, "document is empty")
	}
	content, ok := a.document[fieldContent].(map[string]any)
	if !ok {
		return nil, errors.Wrap(ErrMalformedAsset, "content is missing")
	}
	return content, nil
}

func (a Asset) rawChoices() ([]any, map[string]any, error) {
	content, err := a.content()
	if err != nil {
		return nil, nil, err
	}
	rawChoices, ok := content[fieldChoices].([]any)
	if !ok {
		return nil, nil, errors.Wrap(ErrMalformedAsset, "content.choices is not a list")
	}
	return rawChoices, content, nil
}

func (a Asset) stringField(name string) string {
	if a.document == nil {
		return ""
	}
	value, _ := a.document[name].(string)
	return value
}

func decodeChoice(node map[string]any) choices.Choice {
	choice := choices.Choice{
		Name:      stringOf(node["name"]),
		ListName:  stringOf(node["list_name"]),
		KUID:      stringOf(node["$kuid"]),
		AutoValue: stringOf(node["$autovalue"]),
	}
	switch label := node["label"].(type) {
	case []any:
		for _, translation := range label {
			choice.Label = append(choice.Label, stringOf(translation))
		}
	case string:
		choice.Label = []string{label}
	}
	return choice
}

func stringOf(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	default:
		return fmt.Sprint(typed)
	}
}
