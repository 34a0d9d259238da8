package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/trojanwalker/internal/llm"
	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(body)
}

// fakeModel answers chat completions with reply, recording each request.
type fakeModel struct {
	calls    int32
	requests chan chatRequest
	reply    func(call int32) (int, string)
}

func (m *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := atomic.AddInt32(&m.calls, 1)
	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	select {
	case m.requests <- req:
	default:
	}
	status, body := m.reply(call)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func newModel(t *testing.T, reply func(call int32) (int, string)) (*fakeModel, llm.Config) {
	m := &fakeModel{requests: make(chan chatRequest, 10), reply: reply}
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return m, llm.Config{
		Model:      "test-model",
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/v1",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFunctionAgent_AnalyzeUnit(t *testing.T) {
	m, cfg := newModel(t, func(int32) (int, string) {
		return http.StatusOK, completion(`{"attack_matches":["T1055"],"summary":"injects code"}`)
	})
	agent, err := llm.NewFunctionAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	findings, err := agent.AnalyzeUnit(context.Background(), "int f(){return 0;}")
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"attack_matches": []any{"T1055"}, "summary": "injects code"}, findings)

	req := <-m.requests
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
	assert.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, llm.DefaultFunctionPrompt, req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "int f(){return 0;}", req.Messages[1].Content)
}

func TestFunctionAgent_UnparseableIsNotRetried(t *testing.T) {
	m, cfg := newModel(t, func(int32) (int, string) {
		return http.StatusOK, completion("I think this function is benign.")
	})
	agent, err := llm.NewFunctionAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	_, err = agent.AnalyzeUnit(context.Background(), "code")
	assert.ErrorIs(t, err, llm.ErrUnparseableResponse)
	assert.Equal(t, int32(1), atomic.LoadInt32(&m.calls))
}

func TestFunctionAgent_RetriesServerErrors(t *testing.T) {
	m, cfg := newModel(t, func(call int32) (int, string) {
		if call < 3 {
			return http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`
		}
		return http.StatusOK, completion(`{"attack_matches":[]}`)
	})
	agent, err := llm.NewFunctionAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	findings, err := agent.AnalyzeUnit(context.Background(), "code")
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"attack_matches": []any{}}, findings)
	assert.Equal(t, int32(3), atomic.LoadInt32(&m.calls))
}

func TestFunctionAgent_ClientErrorsAreNotRetried(t *testing.T) {
	m, cfg := newModel(t, func(int32) (int, string) {
		return http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`
	})
	agent, err := llm.NewFunctionAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	_, err = agent.AnalyzeUnit(context.Background(), "code")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&m.calls))
}

func TestFunctionAgent_GivesUpAfterMaxRetries(t *testing.T) {
	m, cfg := newModel(t, func(int32) (int, string) {
		return http.StatusBadGateway, `{"error":{"message":"bad gateway"}}`
	})
	cfg.MaxRetries = 1
	agent, err := llm.NewFunctionAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	_, err = agent.AnalyzeUnit(context.Background(), "code")
	assert.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&m.calls))
}

func TestAgent_RequiresAPIKey(t *testing.T) {
	_, err := llm.NewFunctionAgent(llm.Config{}, nil, quietLogger())
	assert.Error(t, err)
	_, err = llm.NewReportAgent(llm.Config{}, nil, quietLogger())
	assert.Error(t, err)
}

func TestAgent_RateLimit(t *testing.T) {
	_, cfg := newModel(t, func(int32) (int, string) {
		return http.StatusOK, completion(`{}`)
	})
	cfg.RateLimit = &llm.RateLimit{RequestsPerSecond: 10, Burst: 1}
	agent, err := llm.NewFunctionAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := agent.AnalyzeUnit(context.Background(), fmt.Sprintf("code %d", i))
		assert.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestReportAgent_GenerateReport(t *testing.T) {
	m, cfg := newModel(t, func(int32) (int, string) {
		return http.StatusOK, completion(`{"summary":"benign"}`)
	})
	cfg.SystemPrompt = "custom report prompt"
	agent, err := llm.NewReportAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	findings := []models.UnitAnalysis{{
		Name:   "fcn.1000",
		Result: models.UnitSuccess{Findings: map[string]any{"attack_matches": []any{"T1055"}}},
	}}
	report, err := agent.GenerateReport(context.Background(), findings, map[string]any{"arch": "x86"}, json.RawMessage(`{"nodes":[]}`))
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": "benign"}, report)

	req := <-m.requests
	assert.Equal(t, "custom report prompt", req.Messages[0].Content)
	assert.JSONEq(t, `{
		"metadata": {"arch": "x86"},
		"callgraph": {"nodes": []},
		"function_analyses": [{"name": "fcn.1000", "analysis": {"attack_matches": ["T1055"]}}]
	}`, req.Messages[1].Content)
	assert.Contains(t, req.Messages[1].Content, "\n  \"callgraph\"")
}

func TestReportAgent_EmptyInputs(t *testing.T) {
	m, cfg := newModel(t, func(int32) (int, string) {
		return http.StatusOK, completion(`{"summary":"benign"}`)
	})
	agent, err := llm.NewReportAgent(cfg, nil, quietLogger())
	assert.NoError(t, err)

	_, err = agent.GenerateReport(context.Background(), nil, nil, nil)
	assert.NoError(t, err)
	req := <-m.requests
	assert.JSONEq(t, `{"metadata":{},"callgraph":{},"function_analyses":[]}`, req.Messages[1].Content)
}
