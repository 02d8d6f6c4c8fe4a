package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"school-integration/internal/common/apperr"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	defaultAPIKeyHeader   = "X-API-Key"
	defaultResponseIDPath = "id"
	maxErrorBody          = 512
)

// RESTConnector talks JSON over HTTP to SIS/ERP/LMS style APIs.
type RESTConnector struct {
	cfg    Config
	client *http.Client
}

func NewRESTConnector(cfg Config) (Connector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RESTConnector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *RESTConnector) Push(ctx context.Context, target Target, externalID string, record map[string]interface{}) (string, error) {
	var body interface{} = record
	if target.RequestRoot != "" {
		body = map[string]interface{}{target.RequestRoot: record}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	method := target.Method
	if method == "" {
		method = http.MethodPost
		if externalID != "" {
			method = http.MethodPut
		}
	}

	resp, err := c.do(ctx, method, c.resolveURL(target, externalID), target.Headers, payload)
	if err != nil {
		return "", err
	}

	if externalID != "" {
		return externalID, nil
	}

	path := target.ResponseIDPath
	if path == "" {
		path = defaultResponseIDPath
	}
	id := gjson.GetBytes(resp, path)
	if !id.Exists() || id.String() == "" {
		return "", &apperr.ConnectionError{Message: fmt.Sprintf("response has no external id at %q", path)}
	}
	return id.String(), nil
}

func (c *RESTConnector) Pull(ctx context.Context, target Target, query PullQuery) ([]map[string]interface{}, error) {
	u, err := url.Parse(c.resolveURL(target, ""))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	q := u.Query()
	for k, v := range query.Filters {
		q.Set(k, fmt.Sprint(v))
	}
	if query.Limit > 0 {
		q.Set("limit", fmt.Sprint(query.Limit))
	}
	u.RawQuery = q.Encode()

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := c.do(ctx, method, u.String(), target.Headers, nil)
	if err != nil {
		return nil, err
	}

	result := gjson.ParseBytes(resp)
	if target.ResponseRecordsPath != "" {
		result = result.Get(target.ResponseRecordsPath)
	}
	return decodeRecords(result)
}

func (c *RESTConnector) Remove(ctx context.Context, target Target, externalID string) error {
	method := target.Method
	if method == "" {
		method = http.MethodDelete
	}
	_, err := c.do(ctx, method, c.resolveURL(target, externalID), target.Headers, nil)
	var ce *apperr.ConnectionError
	// Already gone on the remote side.
	if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *RESTConnector) TestConnection(ctx context.Context) error {
	if c.cfg.BaseURL == "" {
		return apperr.Field("connection.base_url", "is required")
	}
	_, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL, nil, nil)
	var ce *apperr.ConnectionError
	if errors.As(err, &ce) && (ce.StatusCode == http.StatusNotFound || ce.StatusCode == http.StatusMethodNotAllowed) {
		// Reachable and authenticated, the root just isn't a resource.
		return nil
	}
	return err
}

func (c *RESTConnector) GetType() string {
	return string(KindREST)
}

func (c *RESTConnector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *RESTConnector) resolveURL(target Target, externalID string) string {
	raw := target.URLTemplate
	hasIDPlaceholder := strings.Contains(raw, "{external_id}")
	raw = strings.ReplaceAll(raw, "{module}", url.PathEscape(target.Module))
	raw = strings.ReplaceAll(raw, "{external_id}", url.PathEscape(externalID))

	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}
	if externalID != "" && !hasIDPlaceholder {
		raw = strings.TrimRight(raw, "/") + "/" + url.PathEscape(externalID)
	}
	return raw
}

func (c *RESTConnector) do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "School-Integration")
	req.Header.Set("X-Request-ID", uuid.NewString())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &apperr.ConnectionError{Message: method + " " + req.URL.Redacted(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.ConnectionError{StatusCode: resp.StatusCode, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		msg := fmt.Sprintf("%s %s failed", method, req.URL.Path)
		if snippet != "" {
			msg += ": " + snippet
		}
		return nil, &apperr.ConnectionError{StatusCode: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func (c *RESTConnector) authorize(req *http.Request) error {
	switch c.cfg.AuthType {
	case "api_key":
		header := c.cfg.APIKeyHeader
		if header == "" {
			header = defaultAPIKeyHeader
		}
		req.Header.Set(header, c.cfg.APIKey)
	case "bearer", "oauth2":
		if c.cfg.TokenExpiresAt != nil && time.Now().After(*c.cfg.TokenExpiresAt) {
			return &apperr.ConnectionError{StatusCode: http.StatusUnauthorized, Message: "access token expired"}
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	case "basic":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return nil
}

// decodeRecords accepts an array of objects or a single object.
func decodeRecords(result gjson.Result) ([]map[string]interface{}, error) {
	if !result.Exists() {
		return []map[string]interface{}{}, nil
	}

	var raws []string
	switch {
	case result.IsArray():
		for _, item := range result.Array() {
			raws = append(raws, item.Raw)
		}
	case result.IsObject():
		raws = []string{result.Raw}
	default:
		return nil, &apperr.ConnectionError{Message: "response records are neither an array nor an object"}
	}

	records := make([]map[string]interface{}, 0, len(raws))
	for _, raw := range raws {
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, &apperr.ConnectionError{Message: "response record is not an object", Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}
