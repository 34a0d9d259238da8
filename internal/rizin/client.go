// Package rizin talks to the HTTP front end of a rizin analysis server.
package rizin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/pkg/errors"
)

var (
	// ErrBackend wraps every transport failure and non-2xx response.
	ErrBackend = errors.New("rizin backend error")
	// ErrUnhealthy is returned when the health endpoint answers with a status other than "ok".
	ErrUnhealthy = errors.New("rizin backend reported unhealthy status")
)

// Endpoint keys.
const (
	EndpointHealth    = "health_check"
	EndpointUpload    = "upload"
	EndpointAnalyze   = "analyze"
	EndpointMetadata  = "metadata"
	EndpointFunctions = "functions"
	EndpointStrings   = "strings"
	EndpointCallGraph = "callgraph"
	EndpointDecompile = "decompile_batch"
)

// Timeouts bounds each call. Zero values are replaced by defaults.
type Timeouts struct {
	Health    time.Duration `yaml:"health"`
	Upload    time.Duration `yaml:"upload"`
	Analyze   time.Duration `yaml:"analyze"`
	Metadata  time.Duration `yaml:"metadata"`
	Functions time.Duration `yaml:"functions"`
	Strings   time.Duration `yaml:"strings"`
	CallGraph time.Duration `yaml:"callgraph"`
	Decompile time.Duration `yaml:"decompile"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Health:    10 * time.Second,
		Upload:    60 * time.Second,
		Analyze:   10 * time.Minute,
		Metadata:  20 * time.Second,
		Functions: 30 * time.Second,
		Strings:   30 * time.Second,
		CallGraph: 30 * time.Second,
		Decompile: 10 * time.Minute,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Health, d.Health)
	fill(&t.Upload, d.Upload)
	fill(&t.Analyze, d.Analyze)
	fill(&t.Metadata, d.Metadata)
	fill(&t.Functions, d.Functions)
	fill(&t.Strings, d.Strings)
	fill(&t.CallGraph, d.CallGraph)
	fill(&t.Decompile, d.Decompile)
	return t
}

type Config struct {
	BaseURL   string
	Endpoints map[string]string
	Timeouts  Timeouts
}

type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Client struct {
	baseURL   string
	endpoints map[string]string
	timeouts  Timeouts
	http      *http.Client
	logger    Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, errors.Errorf("invalid rizin base URL %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	endpoints := map[string]string{}
	for k, v := range cfg.Endpoints {
		endpoints[k] = v
	}
	return &Client{
		baseURL:   base,
		endpoints: endpoints,
		timeouts:  cfg.Timeouts.withDefaults(),
		http:      httpClient,
		logger:    logger,
	}, nil
}

func (c *Client) url(key string) string {
	path, ok := c.endpoints[key]
	if !ok || path == "" {
		path = "/" + key
	}
	return c.baseURL + path
}

// do sends the request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, key string, body io.Reader, contentType string, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.url(key)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrapf(ErrBackend, "build %s request: %v", key, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debugf("rizin %s %s", method, target)
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Errorf("Request error for %s: %v", target, err)
		return nil, errors.Wrapf(ErrBackend, "failed to connect: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrBackend, "read %s response: %v", key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Errorf("HTTP error %d for %s", resp.StatusCode, target)
		return nil, errors.Wrapf(ErrBackend, "%s returned status %d", key, resp.StatusCode)
	}
	return payload, nil
}

// decodeLoose unmarshals payload into v, reporting false when the body is
// not JSON of the expected shape.
func decodeLoose(payload []byte, v any) bool {
	return len(bytes.TrimSpace(payload)) > 0 && json.Unmarshal(payload, v) == nil
}

// CheckHealth fails with ErrBackend when the server is unreachable and with
// ErrUnhealthy when it answers with an object whose status is not "ok".
func (c *Client) CheckHealth(ctx context.Context) error {
	payload, err := c.do(ctx, c.timeouts.Health, http.MethodGet, EndpointHealth, nil, "", nil)
	if err != nil {
		return err
	}
	var body map[string]any
	if decodeLoose(payload, &body) && body != nil && body["status"] != "ok" {
		return errors.Wrapf(ErrUnhealthy, "status %v", body["status"])
	}
	return nil
}

// Upload replaces the binary loaded in the backend.
func (c *Client) Upload(ctx context.Context, name string, content []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return errors.Wrap(err, "create upload part")
	}
	if _, err := part.Write(content); err != nil {
		return errors.Wrap(err, "write upload part")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close upload body")
	}
	_, err = c.do(ctx, c.timeouts.Upload, http.MethodPost, EndpointUpload, &buf, w.FormDataContentType(), nil)
	return err
}

// TriggerAnalysis runs the backend's auto-analysis at level (for example "aaa").
func (c *Client) TriggerAnalysis(ctx context.Context, level string) error {
	var query url.Values
	if level != "" {
		query = url.Values{"level": {level}}
	}
	_, err := c.do(ctx, c.timeouts.Analyze, http.MethodGet, EndpointAnalyze, nil, "", query)
	return err
}

// Metadata returns the binary information object, or an empty map when the
// backend answers with something else.
func (c *Client) Metadata(ctx context.Context) (map[string]any, error) {
	payload, err := c.do(ctx, c.timeouts.Metadata, http.MethodGet, EndpointMetadata, nil, "", nil)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if !decodeLoose(payload, &meta) || meta == nil {
		return map[string]any{}, nil
	}
	return meta, nil
}

type wireFunction struct {
	Name      string  `json:"name"`
	Offset    *uint64 `json:"offset"`
	Addr      *uint64 `json:"addr"`
	Size      uint64  `json:"size"`
	Signature string  `json:"signature"`
}

// Functions returns the discovered functions. Entries that are not objects
// are skipped.
func (c *Client) Functions(ctx context.Context) ([]models.Function, error) {
	payload, err := c.do(ctx, c.timeouts.Functions, http.MethodGet, EndpointFunctions, nil, "", nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	functions := []models.Function{}
	if !decodeLoose(payload, &raw) {
		return functions, nil
	}
	for _, item := range raw {
		var f wireFunction
		if err := json.Unmarshal(item, &f); err != nil {
			continue
		}
		fn := models.Function{Name: f.Name, Size: f.Size, Signature: f.Signature}
		switch {
		case f.Offset != nil:
			fn.Offset = *f.Offset
		case f.Addr != nil:
			fn.Offset = *f.Addr
		}
		functions = append(functions, fn)
	}
	return functions, nil
}

// Strings returns the "string" field of every string entry.
func (c *Client) Strings(ctx context.Context) ([]string, error) {
	payload, err := c.do(ctx, c.timeouts.Strings, http.MethodGet, EndpointStrings, nil, "", nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	out := []string{}
	if !decodeLoose(payload, &raw) {
		return out, nil
	}
	for _, item := range raw {
		var entry map[string]any
		if err := json.Unmarshal(item, &entry); err != nil {
			continue
		}
		if s, ok := entry["string"].(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// CallGraph returns the call graph object verbatim, or {} when the backend
// answers with anything other than an object.
func (c *Client) CallGraph(ctx context.Context) (json.RawMessage, error) {
	payload, err := c.do(ctx, c.timeouts.CallGraph, http.MethodGet, EndpointCallGraph, nil, "", nil)
	if err != nil {
		return nil, err
	}
	var graph map[string]json.RawMessage
	if !decodeLoose(payload, &graph) || graph == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(bytes.TrimSpace(payload)), nil
}

type wireDecompiled struct {
	Identifier string `json:"identifier"`
	Address    string `json:"address"`
	Name       string `json:"name"`
	Code       string `json:"code"`
}

func (w wireDecompiled) id() string {
	for _, v := range []string{w.Identifier, w.Address, w.Name} {
		if v != "" {
			return v
		}
	}
	return ""
}

// DecompileBatch decompiles identifiers in one request. Items without an
// identifier or code are dropped.
func (c *Client) DecompileBatch(ctx context.Context, identifiers []string) ([]models.DecompiledUnit, error) {
	units := []models.DecompiledUnit{}
	if len(identifiers) == 0 {
		return units, nil
	}
	body, err := json.Marshal(identifiers)
	if err != nil {
		return nil, errors.Wrap(err, "encode identifiers")
	}
	payload, err := c.do(ctx, c.timeouts.Decompile, http.MethodPost, EndpointDecompile, bytes.NewReader(body), "application/json", nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if !decodeLoose(payload, &raw) {
		return nil, errors.Wrap(ErrBackend, "decompile_batch returned a non-list response")
	}
	for _, item := range raw {
		var w wireDecompiled
		if err := json.Unmarshal(item, &w); err != nil {
			continue
		}
		if w.id() == "" || w.Code == "" {
			continue
		}
		units = append(units, models.DecompiledUnit{Name: w.id(), Code: w.Code})
	}
	return units, nil
}
