package choices

import "sort"

// Choice is one option of a pick-list as stored in the form document.
// Field names follow the KoboToolbox asset schema.
type Choice struct {
	Name      string   `json:"name" yaml:"name"`
	Label     []string `json:"label" yaml:"label"`
	ListName  string   `json:"list_name" yaml:"list_name"`
	KUID      string   `json:"$kuid" yaml:"kuid"`
	AutoValue string   `json:"$autovalue" yaml:"autovalue"`
}

// NewChoice builds a choice whose auto-value echoes its value.
func NewChoice(listName, value, label, kuid string) Choice {
	return Choice{
		Name:      value,
		Label:     []string{label},
		ListName:  listName,
		KUID:      kuid,
		AutoValue: value,
	}
}

// PrimaryLabel returns the first translation of the label.
func (c Choice) PrimaryLabel() string {
	if len(c.Label) == 0 {
		return ""
	}
	return c.Label[0]
}

// Fields renders the choice as a generic document node.
func (c Choice) Fields() map[string]any {
	labels := make([]any, 0, len(c.Label))
	for _, label := range c.Label {
		labels = append(labels, label)
	}
	return map[string]any{
		"name":       c.Name,
		"label":      labels,
		"list_name":  c.ListName,
		"$kuid":      c.KUID,
		"$autovalue": c.AutoValue,
	}
}

// ListNames returns the distinct list names in lexical order.
func ListNames(existing []Choice) []string {
	seen := make(map[string]struct{}, len(existing))
	names := make([]string, 0)
	for _, choice := range existing {
		if _, ok := seen[choice.ListName]; ok {
			continue
		}
		seen[choice.ListName] = struct{}{}
		names = append(names, choice.ListName)
	}
	sort.Strings(names)
	return names
}

// InList filters choices down to one list, keeping their order.
func InList(existing []Choice, listName string) []Choice {
	filtered := make([]Choice, 0, len(existing))
	for _, choice := range existing {
		if choice.ListName == listName {
			filtered = append(filtered, choice)
		}
	}
	return filtered
}
