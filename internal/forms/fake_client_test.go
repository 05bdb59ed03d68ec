package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/kobosync/internal/kobo"
)

const testAssetUID = "aBcDeFgHiJkLmNoPqRsTuV"

// fakeFormClient keeps one asset document in memory and mimics how the remote
// assigns versions: every update creates a new version that is not deployed.
type fakeFormClient struct {
	t           *testing.T
	document    []byte
	versionSeq  int
	deployed    string
	fetchCalls  int
	updateCalls int
	deployCalls []string
	fetchErr    error
	updateErr   error
	deployErr   error
	pushed      []kobo.Asset
}

func newFakeFormClient(t *testing.T, latest, deployed string, choicesJSON string) *fakeFormClient {
	t.Helper()
	document := fmt.Sprintf(`{
		"uid": %q,
		"name": "Registro",
		"version_id": %q,
		"deployed_version_id": %q,
		"content": {"survey": [{"type": "select_one personas", "name": "persona"}], "choices": %s}
	}`, testAssetUID, latest, deployed, choicesJSON)
	return &fakeFormClient{t: t, document: []byte(document), deployed: deployed}
}

func (c *fakeFormClient) FetchAsset(_ context.Context, assetUID string) (kobo.Asset, error) {
	c.fetchCalls++
	if c.fetchErr != nil {
		return kobo.Asset{}, c.fetchErr
	}
	if assetUID != testAssetUID {
		return kobo.Asset{}, &kobo.RemoteError{StatusCode: 404, Body: "not found"}
	}
	return kobo.DecodeAsset(c.document)
}

func (c *fakeFormClient) UpdateAsset(_ context.Context, _ string, asset kobo.Asset) (string, error) {
	c.updateCalls++
	if c.updateErr != nil {
		return "", c.updateErr
	}
	c.versionSeq++
	versionID := fmt.Sprintf("pushed-%d", c.versionSeq)

	var document map[string]any
	payload, err := asset.MarshalJSON()
	if err != nil {
		c.t.Fatalf("failed to encode pushed asset: %v", err)
	}
	if err := json.Unmarshal(payload, &document); err != nil {
		c.t.Fatalf("failed to decode pushed asset: %v", err)
	}
	document["version_id"] = versionID
	document["deployed_version_id"] = c.deployed
	c.document, _ = json.Marshal(document)
	c.pushed = append(c.pushed, asset)
	return versionID, nil
}

func (c *fakeFormClient) DeployVersion(_ context.Context, _ string, versionID string) error {
	c.deployCalls = append(c.deployCalls, versionID)
	if c.deployErr != nil {
		return c.deployErr
	}
	c.deployed = versionID
	var document map[string]any
	if err := json.Unmarshal(c.document, &document); err != nil {
		c.t.Fatalf("failed to decode stored asset: %v", err)
	}
	document["deployed_version_id"] = versionID
	c.document, _ = json.Marshal(document)
	return nil
}

func (c *fakeFormClient) ExportSubmissions(context.Context, string) ([]json.RawMessage, error) {
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return []json.RawMessage{json.RawMessage(`{"_id":1}`)}, nil
}

// syncedClient returns its own version as deployed after every push so no redeploy is needed.
type syncedClient struct {
	*fakeFormClient
}

func (c syncedClient) UpdateAsset(ctx context.Context, assetUID string, asset kobo.Asset) (string, error) {
	versionID, err := c.fakeFormClient.UpdateAsset(ctx, assetUID, asset)
	if err != nil {
		return "", err
	}
	c.deployed = versionID
	var document map[string]any
	_ = json.Unmarshal(c.document, &document)
	document["deployed_version_id"] = versionID
	c.document, _ = json.Marshal(document)
	return versionID, nil
}

var errRemoteDown = errors.New("remote unavailable")

const personasChoices = `[
	{"name": "ana_lopez", "label": ["Ana Lopez"], "list_name": "personas", "$kuid": "kana", "$autovalue": "ana_lopez"},
	{"name": "si", "label": ["Si"], "list_name": "yes_no", "$kuid": "ksi", "$autovalue": "si"}
]`
