package models

import "encoding/json"

// Function is one entry of the function list reported by the binary analyzer.
type Function struct {
	Name      string `json:"name"`
	Offset    uint64 `json:"offset"`
	Size      uint64 `json:"size"`
	Signature string `json:"signature,omitempty"`
}

// DecompiledUnit pairs a function identifier with its decompiled source.
type DecompiledUnit struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// TaskResults is the results bundle of a task. A nil field means the stage
// producing it has not completed; a completed stage with nothing to report
// stores an empty, non-nil value.
type TaskResults struct {
	Metadata         map[string]any   `json:"metadata"`
	Functions        []Function       `json:"functions"`
	Strings          []string         `json:"strings"`
	CallGraph        json.RawMessage  `json:"callgraph"`
	DecompiledCode   []DecompiledUnit `json:"decompiled_code"`
	FunctionAnalyses []UnitAnalysis   `json:"function_analyses"`
	MalwareReport    map[string]any   `json:"malware_report"`
}

// IsEmpty reports whether no field of the bundle is set.
func (r TaskResults) IsEmpty() bool {
	return r.Metadata == nil && r.Functions == nil && r.Strings == nil && r.CallGraph == nil &&
		r.DecompiledCode == nil && r.FunctionAnalyses == nil && r.MalwareReport == nil
}

// Merge overlays every non-nil field of patch onto r.
func (r TaskResults) Merge(patch TaskResults) TaskResults {
	if patch.Metadata != nil {
		r.Metadata = patch.Metadata
	}
	if patch.Functions != nil {
		r.Functions = patch.Functions
	}
	if patch.Strings != nil {
		r.Strings = patch.Strings
	}
	if patch.CallGraph != nil {
		r.CallGraph = patch.CallGraph
	}
	if patch.DecompiledCode != nil {
		r.DecompiledCode = patch.DecompiledCode
	}
	if patch.FunctionAnalyses != nil {
		r.FunctionAnalyses = patch.FunctionAnalyses
	}
	if patch.MalwareReport != nil {
		r.MalwareReport = patch.MalwareReport
	}
	return r
}
