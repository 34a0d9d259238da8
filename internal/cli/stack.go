package cli

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ignatij/trojanwalker/internal/config"
	"github.com/ignatij/trojanwalker/internal/llm"
	"github.com/ignatij/trojanwalker/internal/rizin"
	internal_storage "github.com/ignatij/trojanwalker/internal/storage"
	"github.com/ignatij/trojanwalker/pkg/service"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// stack is the wired pipeline shared by serve and analyze.
type stack struct {
	store  storage.Store
	queue  *service.Queue
	intake *service.AnalysisService

	// held for the whole of each task run; the backend holds one binary at a time
	backendLock sync.Mutex
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == internal_storage.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0o750); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	store, err := internal_storage.InitStore(cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.ShouldMigrate())
	if err != nil {
		return nil, errors.Wrap(err, "initialize store")
	}
	return store, nil
}

func buildStack(cfg *config.Config, logger *logrus.Logger) (*stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	artifacts, err := internal_storage.NewArtifactStore(cfg.Storage.ArtifactDir)
	if err != nil {
		return nil, err
	}
	backend, err := rizin.NewClient(cfg.RizinClientConfig(), nil, logger)
	if err != nil {
		return nil, err
	}
	functionAgent, err := llm.NewFunctionAgent(cfg.FunctionAgent.ClientConfig(), nil, logger)
	if err != nil {
		return nil, err
	}
	reportAgent, err := llm.NewReportAgent(cfg.ReportAgent.ClientConfig(), nil, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	st := &stack{store: store}
	tasks := service.NewTaskService(store, logger)
	analyzer := service.NewUnitAnalyzer(functionAgent, cfg.FunctionAgent.MaxConcurrency, cfg.Pipeline.MaxInputChars, logger)
	coordinator := service.NewCoordinator(tasks, artifacts, backend, analyzer, reportAgent, cfg.PipelineConfig(), logger)
	st.queue = service.NewQueue(coordinator, &st.backendLock, logger)
	st.intake = service.NewAnalysisService(store, artifacts, st.queue, logger)
	return st, nil
}

func (s *stack) Close() {
	s.queue.Stop()
	s.store.Close()
}
