package models

import (
	"encoding/json"
	"fmt"
)

// UnitResult is the outcome of analysing one decompiled unit: either
// UnitSuccess or UnitFailure.
type UnitResult interface {
	isUnitResult()
}

// UnitSuccess carries the structured findings returned for a unit.
type UnitSuccess struct {
	Findings map[string]any
}

// UnitFailure records why a unit could not be analysed.
type UnitFailure struct {
	Reason string
}

func (UnitSuccess) isUnitResult() {}
func (UnitFailure) isUnitResult() {}

// UnitAnalysis is the per-unit entry stored in the results bundle.
type UnitAnalysis struct {
	Name   string
	Result UnitResult
}

type unitAnalysisJSON struct {
	Name     string         `json:"name"`
	Analysis map[string]any `json:"analysis,omitempty"`
	Error    *string        `json:"error,omitempty"`
}

func (u UnitAnalysis) MarshalJSON() ([]byte, error) {
	out := unitAnalysisJSON{Name: u.Name}
	switch r := u.Result.(type) {
	case UnitSuccess:
		out.Analysis = r.Findings
		if out.Analysis == nil {
			out.Analysis = map[string]any{}
		}
	case UnitFailure:
		reason := r.Reason
		out.Error = &reason
	default:
		return nil, fmt.Errorf("unit %q has no result", u.Name)
	}
	return json.Marshal(out)
}

func (u *UnitAnalysis) UnmarshalJSON(data []byte) error {
	var in unitAnalysisJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	u.Name = in.Name
	if in.Error != nil {
		u.Result = UnitFailure{Reason: *in.Error}
		return nil
	}
	findings := in.Analysis
	if findings == nil {
		findings = map[string]any{}
	}
	u.Result = UnitSuccess{Findings: findings}
	return nil
}
