package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/ignatij/trojanwalker/pkg/models"
	"golang.org/x/sync/semaphore"
)

// TruncationMarker is appended to code cut down to the input limit.
const TruncationMarker = "\n... [Code truncated for AI analysis due to context limits] ..."

// UnitInference classifies a single decompiled unit.
type UnitInference interface {
	AnalyzeUnit(ctx context.Context, code string) (map[string]any, error)
}

// UnitAnalyzer runs per-unit inference with at most concurrency requests in
// flight. One unit failing never affects the others.
type UnitAnalyzer struct {
	client        UnitInference
	concurrency   int
	maxInputChars int
	logger        Logger
}

func NewUnitAnalyzer(client UnitInference, concurrency, maxInputChars int, logger Logger) *UnitAnalyzer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &UnitAnalyzer{
		client:        client,
		concurrency:   concurrency,
		maxInputChars: maxInputChars,
		logger:        logger,
	}
}

// Truncate returns code unchanged when it has at most max characters,
// otherwise its first max characters followed by TruncationMarker.
// A non-positive max disables truncation.
func Truncate(code string, max int) string {
	if max <= 0 {
		return code
	}
	runes := 0
	for i := range code {
		if runes == max {
			return code[:i] + TruncationMarker
		}
		runes++
	}
	return code
}

// Analyze returns one entry per unit, in input order.
func (a *UnitAnalyzer) Analyze(ctx context.Context, units []models.DecompiledUnit) []models.UnitAnalysis {
	results := make([]models.UnitAnalysis, len(units))
	sem := semaphore.NewWeighted(int64(a.concurrency))
	var wg sync.WaitGroup

	for i, unit := range units {
		results[i].Name = unit.Name
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Result = models.UnitFailure{Reason: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, unit models.DecompiledUnit) {
			defer wg.Done()
			defer sem.Release(1)
			results[i].Result = a.analyzeOne(ctx, unit)
		}(i, unit)
	}
	wg.Wait()
	return results
}

func (a *UnitAnalyzer) analyzeOne(ctx context.Context, unit models.DecompiledUnit) (result models.UnitResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Errorf("Analysis of %s panicked: %v", unit.Name, r)
			result = models.UnitFailure{Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	code := Truncate(unit.Code, a.maxInputChars)
	if len(code) != len(unit.Code) {
		a.logger.Warnf("Truncated %s to %d characters", unit.Name, a.maxInputChars)
	}
	findings, err := a.client.AnalyzeUnit(ctx, code)
	if err != nil {
		a.logger.Warnf("Analysis of %s failed: %v", unit.Name, err)
		return models.UnitFailure{Reason: err.Error()}
	}
	if findings == nil {
		findings = map[string]any{}
	}
	return models.UnitSuccess{Findings: findings}
}
