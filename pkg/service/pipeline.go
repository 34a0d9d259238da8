package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAnalysisLevel = "aaa"

	pipelineStages = 10
)

// BinaryAnalyzer is the remote reverse-engineering backend. It holds one
// loaded binary at a time.
type BinaryAnalyzer interface {
	CheckHealth(ctx context.Context) error
	Upload(ctx context.Context, name string, content []byte, contentType string) error
	TriggerAnalysis(ctx context.Context, level string) error
	Metadata(ctx context.Context) (map[string]any, error)
	Functions(ctx context.Context) ([]models.Function, error)
	Strings(ctx context.Context) ([]string, error)
	CallGraph(ctx context.Context) (json.RawMessage, error)
	DecompileBatch(ctx context.Context, identifiers []string) ([]models.DecompiledUnit, error)
}

// ReportGenerator aggregates the actionable unit findings into a report.
type ReportGenerator interface {
	GenerateReport(ctx context.Context, findings []models.UnitAnalysis, metadata map[string]any, callGraph json.RawMessage) (map[string]any, error)
}

// ArtifactReader loads a stored artifact.
type ArtifactReader interface {
	Read(path string) ([]byte, error)
}

type PipelineConfig struct {
	AnalysisLevel     string
	ClassificationKey string
}

// Coordinator drives one task through the analysis stages. It assumes it is
// the only user of the backend while Run executes.
type Coordinator struct {
	tasks     *TaskService
	artifacts ArtifactReader
	binary    BinaryAnalyzer
	analyzer  *UnitAnalyzer
	reporter  ReportGenerator
	cfg       PipelineConfig
	logger    Logger
}

func NewCoordinator(
	tasks *TaskService,
	artifacts ArtifactReader,
	binary BinaryAnalyzer,
	analyzer *UnitAnalyzer,
	reporter ReportGenerator,
	cfg PipelineConfig,
	logger Logger) *Coordinator {
	if cfg.AnalysisLevel == "" {
		cfg.AnalysisLevel = DefaultAnalysisLevel
	}
	if cfg.ClassificationKey == "" {
		cfg.ClassificationKey = DefaultClassificationKey
	}
	return &Coordinator{
		tasks:     tasks,
		artifacts: artifacts,
		binary:    binary,
		analyzer:  analyzer,
		reporter:  reporter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes taskID to a terminal status. The returned error describes why
// the task failed, or why its status could not be recorded.
func (c *Coordinator) Run(ctx context.Context, taskID string) (err error) {
	task, err := c.tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != models.PendingTaskStatus {
		c.logger.Warnf("Task %s is %s, skipping", taskID, task.Status)
		return nil
	}
	if err := c.tasks.Start(taskID); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Task %s panicked: %v\n%s", taskID, r, debug.Stack())
			err = c.fail(taskID, errors.Errorf("internal error: %v", r))
		}
	}()

	if runErr := c.execute(ctx, task); runErr != nil {
		return c.fail(taskID, runErr)
	}
	c.logger.Infof("Task %s completed", taskID)
	return nil
}

func (c *Coordinator) fail(taskID string, cause error) error {
	c.logger.Errorf("Task %s failed: %v", taskID, cause)
	if err := c.tasks.Fail(taskID, cause.Error()); err != nil {
		return errors.Wrapf(err, "record failure %q", cause.Error())
	}
	return cause
}

func (c *Coordinator) stage(taskID string, n int, format string, args ...interface{}) {
	c.logger.Infof("Task %s: step %d/%d %s", taskID, n, pipelineStages, fmt.Sprintf(format, args...))
}

func (c *Coordinator) execute(ctx context.Context, task models.AnalysisTask) error {
	taskID := task.TaskID
	content, err := c.artifacts.Read(task.FilePath)
	if err != nil {
		return errors.Wrap(err, "artifact not found")
	}

	c.stage(taskID, 1, "checking backend health")
	if err := c.binary.CheckHealth(ctx); err != nil {
		return errors.Wrap(err, "analysis backend unavailable")
	}

	c.stage(taskID, 2, "uploading %s (%d bytes)", task.Filename, len(content))
	if err := c.binary.Upload(ctx, task.Filename, content, http.DetectContentType(content)); err != nil {
		return errors.Wrap(err, "upload binary")
	}

	c.stage(taskID, 3, "running analysis level %s", c.cfg.AnalysisLevel)
	if err := c.binary.TriggerAnalysis(ctx, c.cfg.AnalysisLevel); err != nil {
		return errors.Wrap(err, "analyze binary")
	}

	c.stage(taskID, 4, "collecting metadata, functions, strings and call graph")
	structure := c.collectStructure(ctx, taskID)
	if err := c.tasks.SaveResults(taskID, structure); err != nil {
		return err
	}

	identifiers := unitIdentifiers(structure.Functions)
	c.stage(taskID, 5, "decompiling %d functions", len(identifiers))
	decompiled := []models.DecompiledUnit{}
	if len(identifiers) > 0 {
		decompiled, err = c.binary.DecompileBatch(ctx, identifiers)
		if err != nil {
			return errors.Wrap(err, "decompile functions")
		}
		if decompiled == nil {
			decompiled = []models.DecompiledUnit{}
		}
	}
	if err := c.tasks.SaveResults(taskID, models.TaskResults{DecompiledCode: decompiled}); err != nil {
		return err
	}

	selected := SelectUnits(decompiled)
	c.stage(taskID, 6, "selected %d of %d functions for inference", len(selected), len(decompiled))

	c.stage(taskID, 7, "analyzing %d functions", len(selected))
	analyses := c.analyzer.Analyze(ctx, selected)
	if err := c.tasks.SaveResults(taskID, models.TaskResults{FunctionAnalyses: analyses}); err != nil {
		return err
	}

	actionable := FilterActionable(analyses, c.cfg.ClassificationKey)
	c.stage(taskID, 8, "%d of %d analyses carry %s", len(actionable), len(analyses), c.cfg.ClassificationKey)

	c.stage(taskID, 9, "generating report")
	report, err := c.reporter.GenerateReport(ctx, actionable, structure.Metadata, structure.CallGraph)
	if err != nil {
		return errors.Wrap(err, "generate report")
	}

	c.stage(taskID, 10, "saving report")
	return c.tasks.Complete(taskID, report)
}

// collectStructure fetches the four structural views concurrently. A failed
// view is logged and replaced with its empty value.
func (c *Coordinator) collectStructure(ctx context.Context, taskID string) models.TaskResults {
	res := models.TaskResults{
		Metadata:  map[string]any{},
		Functions: []models.Function{},
		Strings:   []string{},
		CallGraph: json.RawMessage(`{}`),
	}
	var g errgroup.Group
	g.Go(func() error {
		if v, err := c.binary.Metadata(ctx); err != nil {
			c.logger.Warnf("Task %s: metadata unavailable: %v", taskID, err)
		} else if v != nil {
			res.Metadata = v
		}
		return nil
	})
	g.Go(func() error {
		if v, err := c.binary.Functions(ctx); err != nil {
			c.logger.Warnf("Task %s: function list unavailable: %v", taskID, err)
		} else if v != nil {
			res.Functions = v
		}
		return nil
	})
	g.Go(func() error {
		if v, err := c.binary.Strings(ctx); err != nil {
			c.logger.Warnf("Task %s: strings unavailable: %v", taskID, err)
		} else if v != nil {
			res.Strings = v
		}
		return nil
	})
	g.Go(func() error {
		if v, err := c.binary.CallGraph(ctx); err != nil {
			c.logger.Warnf("Task %s: call graph unavailable: %v", taskID, err)
		} else if len(v) > 0 {
			res.CallGraph = v
		}
		return nil
	})
	_ = g.Wait()
	return res
}

// unitIdentifiers names each function by symbol, or by hex offset when it
// has no name. Functions with neither are skipped.
func unitIdentifiers(functions []models.Function) []string {
	ids := []string{}
	for _, f := range functions {
		switch {
		case f.Name != "":
			ids = append(ids, f.Name)
		case f.Offset != 0:
			ids = append(ids, fmt.Sprintf("0x%x", f.Offset))
		}
	}
	return ids
}
