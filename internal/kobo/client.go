package kobo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL points at the EU KoboToolbox server.
	DefaultBaseURL    = "https://eu.kobotoolbox.org/api/v2/"
	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 4096
)

var (
	errMissingBaseURL  = errors.New("kobo: base url is required")
	errMissingAPIToken = errors.New("kobo: api token is required")
	errMissingAssetUID = errors.New("kobo: asset uid is required")
	errMissingVersion  = errors.New("kobo: version id is required")
)

// RemoteError carries a non-success response verbatim.
type RemoteError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("kobo: %s %s returned %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the KoboToolbox v2 REST API.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	apiToken := strings.TrimSpace(cfg.APIToken)
	if apiToken == "" {
		return nil, errMissingAPIToken
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/",
		apiToken:   apiToken,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FetchAsset returns the full asset document.
func (c *Client) FetchAsset(ctx context.Context, assetUID string) (Asset, error) {
	endpoint, err := assetEndpoint(assetUID, "")
	if err != nil {
		return Asset{}, err
	}
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return Asset{}, err
	}
	return DecodeAsset(body)
}

// UpdateAsset sends the whole document back and returns the new version id.
func (c *Client) UpdateAsset(ctx context.Context, assetUID string, asset Asset) (string, error) {
	endpoint, err := assetEndpoint(assetUID, "")
	if err != nil {
		return "", err
	}
	payload, err := asset.MarshalJSON()
	if err != nil {
		return "", errors.Wrap(err, "kobo: encode asset")
	}
	body, err := c.do(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}

	var response struct {
		VersionID string `json:"version_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", errors.Wrap(err, "kobo: decode update response")
	}
	return response.VersionID, nil
}

// DeployVersion marks versionID as the deployed version of the asset.
func (c *Client) DeployVersion(ctx context.Context, assetUID, versionID string) error {
	if strings.TrimSpace(versionID) == "" {
		return errMissingVersion
	}
	endpoint, err := assetEndpoint(assetUID, "deployment/")
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("version_id", versionID)
	_, err = c.do(ctx, http.MethodPatch, endpoint, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	return err
}

// ExportSubmissions returns the submission records of the asset.
func (c *Client) ExportSubmissions(ctx context.Context, assetUID string) ([]json.RawMessage, error) {
	endpoint, err := assetEndpoint(assetUID, "data.json")
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, err
	}

	var response struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrap(err, "kobo: decode submissions")
	}
	if response.Results == nil {
		return []json.RawMessage{}, nil
	}
	return response.Results, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, errors.Wrapf(err, "kobo: build %s %s", method, endpoint)
	}
	request.Header.Set("Authorization", "Token "+c.apiToken)
	request.Header.Set("Accept", "application/json")
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, errors.Wrapf(err, "kobo: %s %s", method, endpoint)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "kobo: read %s %s", method, endpoint)
	}
	c.logger.Debug("kobo request completed",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if response.StatusCode != http.StatusOK {
		if len(payload) > maxErrorBodyBytes {
			payload = payload[:maxErrorBodyBytes]
		}
		return nil, &RemoteError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: response.StatusCode,
			Body:       strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func assetEndpoint(assetUID, suffix string) (string, error) {
	uid := strings.TrimSpace(assetUID)
	if uid == "" {
		return "", errMissingAssetUID
	}
	return "assets/" + url.PathEscape(uid) + "/" + suffix, nil
}
