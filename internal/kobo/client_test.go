package kobo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/kobosync/internal/choices"
)

const (
	testAssetUID = "aBcDeFgHiJkLmNoPqRsTuV"
	testToken    = "0123456789abcdef0123456789abcdef01234567"
	assetJSON    = `{
		"uid": "aBcDeFgHiJkLmNoPqRsTuV",
		"name": "Registro",
		"version_id": "v2",
		"deployed_version_id": "v1",
		"settings": {"sector": "health", "max_rows": 12},
		"content": {
			"survey": [{"type": "select_one personas", "name": "persona"}],
			"choices": [
				{"name": "ana_lopez", "label": ["Ana Lopez"], "list_name": "personas", "$kuid": "kana", "$autovalue": "ana_lopez", "order": 3},
				{"name": "si", "label": "Si", "list_name": "yes_no", "$kuid": "ksi"}
			]
		}
	}`
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:    server.URL + "/api/v2",
		APIToken:   testToken,
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestFetchAssetDecodesChoicesAndVersions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/assets/"+testAssetUID+"/" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Token "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, assetJSON)
	}))
	defer server.Close()

	asset, err := newTestClient(t, server).FetchAsset(context.Background(), testAssetUID)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if asset.VersionID() != "v2" || asset.DeployedVersionID() != "v1" {
		t.Fatalf("unexpected versions %q/%q", asset.VersionID(), asset.DeployedVersionID())
	}
	if asset.Name() != "Registro" || asset.UID() != testAssetUID {
		t.Fatalf("unexpected identity %q/%q", asset.Name(), asset.UID())
	}

	decoded, err := asset.Choices()
	if err != nil {
		t.Fatalf("unexpected choices error: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 choices, got %d", len(decoded))
	}
	if decoded[0].PrimaryLabel() != "Ana Lopez" || decoded[0].KUID != "kana" {
		t.Fatalf("unexpected first choice %#v", decoded[0])
	}
	if decoded[1].PrimaryLabel() != "Si" {
		t.Fatalf("expected string labels to be accepted, got %#v", decoded[1])
	}
}

func TestUpdateAssetSendsWholeDocument(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"version_id":"v3"}`)
	}))
	defer server.Close()

	asset, err := DecodeAsset([]byte(assetJSON))
	if err != nil {
		t.Fatalf("failed to decode asset: %v", err)
	}
	if err := asset.AppendChoices([]choices.Choice{choices.NewChoice("personas", "luis_perez", "Luis Perez", "k1")}); err != nil {
		t.Fatalf("failed to append choice: %v", err)
	}

	versionID, err := newTestClient(t, server).UpdateAsset(context.Background(), testAssetUID, asset)
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if versionID != "v3" {
		t.Fatalf("unexpected version id %q", versionID)
	}

	settings, ok := received["settings"].(map[string]any)
	if !ok || settings["sector"] != "health" {
		t.Fatalf("expected unknown fields to be preserved, got %#v", received["settings"])
	}
	content := received["content"].(map[string]any)
	pushed := content["choices"].([]any)
	if len(pushed) != 3 {
		t.Fatalf("expected 3 choices to be pushed, got %d", len(pushed))
	}
	last := pushed[2].(map[string]any)
	if last["name"] != "luis_perez" || last["$autovalue"] != "luis_perez" || last["list_name"] != "personas" {
		t.Fatalf("unexpected appended choice %#v", last)
	}
	first := pushed[0].(map[string]any)
	if first["order"] != float64(3) {
		t.Fatalf("expected extra choice fields to survive, got %#v", first)
	}
}

func TestDeployVersionSendsFormEncodedVersion(t *testing.T) {
	var versionID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/assets/"+testAssetUID+"/deployment/" || r.Method != http.MethodPatch {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		versionID = r.PostForm.Get("version_id")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	if err := newTestClient(t, server).DeployVersion(context.Background(), testAssetUID, "v3"); err != nil {
		t.Fatalf("unexpected deploy error: %v", err)
	}
	if versionID != "v3" {
		t.Fatalf("expected version v3 to be deployed, got %q", versionID)
	}
}

func TestRemoteErrorCarriesStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"detail":"You do not have permission to perform this action."}`)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).FetchAsset(context.Background(), testAssetUID)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remoteErr.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status %d", remoteErr.StatusCode)
	}
	if !strings.Contains(remoteErr.Body, "permission") {
		t.Fatalf("expected remote message verbatim, got %q", remoteErr.Body)
	}
}

func TestExportSubmissionsReturnsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/assets/"+testAssetUID+"/data.json" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"count":2,"results":[{"_id":1},{"_id":2}]}`)
	}))
	defer server.Close()

	results, err := newTestClient(t, server).ExportSubmissions(context.Background(), testAssetUID)
	if err != nil {
		t.Fatalf("unexpected export error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestAssetWithoutChoicesIsMalformed(t *testing.T) {
	asset, err := DecodeAsset([]byte(`{"uid":"x","content":{"survey":[]}}`))
	if err != nil {
		t.Fatalf("failed to decode asset: %v", err)
	}
	if _, err := asset.Choices(); !errors.Is(err, ErrMalformedAsset) {
		t.Fatalf("expected malformed asset error, got %v", err)
	}
	if err := asset.AppendChoices(nil); !errors.Is(err, ErrMalformedAsset) {
		t.Fatalf("expected malformed asset error on append, got %v", err)
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: DefaultBaseURL}); !errors.Is(err, errMissingAPIToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
