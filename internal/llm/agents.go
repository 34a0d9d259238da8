package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/pkg/errors"
)

// FunctionAgent classifies one decompiled function.
type FunctionAgent struct {
	*agent
}

func NewFunctionAgent(cfg Config, httpClient *http.Client, logger Logger) (*FunctionAgent, error) {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultFunctionPrompt
	}
	a, err := newAgent("function agent", cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}
	return &FunctionAgent{agent: a}, nil
}

// AnalyzeUnit sends code as the user message and returns the decoded findings.
func (f *FunctionAgent) AnalyzeUnit(ctx context.Context, code string) (map[string]any, error) {
	return f.complete(ctx, code)
}

// ReportAgent writes the final report from the actionable findings.
type ReportAgent struct {
	*agent
}

func NewReportAgent(cfg Config, httpClient *http.Client, logger Logger) (*ReportAgent, error) {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultReportPrompt
	}
	a, err := newAgent("report agent", cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}
	return &ReportAgent{agent: a}, nil
}

type reportContext struct {
	Metadata         map[string]any        `json:"metadata"`
	CallGraph        json.RawMessage       `json:"callgraph"`
	FunctionAnalyses []models.UnitAnalysis `json:"function_analyses"`
}

// GenerateReport sends metadata, call graph and findings as one indented
// JSON document.
func (r *ReportAgent) GenerateReport(ctx context.Context, findings []models.UnitAnalysis, metadata map[string]any, callGraph json.RawMessage) (map[string]any, error) {
	payload := reportContext{
		Metadata:         metadata,
		CallGraph:        callGraph,
		FunctionAnalyses: findings,
	}
	if payload.Metadata == nil {
		payload.Metadata = map[string]any{}
	}
	if len(payload.CallGraph) == 0 {
		payload.CallGraph = json.RawMessage(`{}`)
	}
	if payload.FunctionAnalyses == nil {
		payload.FunctionAnalyses = []models.UnitAnalysis{}
	}
	content, err := encodeIndented(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode report context")
	}
	return r.complete(ctx, content)
}
