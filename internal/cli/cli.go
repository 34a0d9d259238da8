package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ignatij/trojanwalker/internal/config"
	internal_http "github.com/ignatij/trojanwalker/internal/http"
	"github.com/ignatij/trojanwalker/internal/log"
	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/ignatij/trojanwalker/pkg/service"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/spf13/cobra"
)

const pollInterval = time.Second

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the analysis worker",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg); err != nil {
				exitf("Error: %v\n", err)
			}
		},
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze one file in the foreground and print the task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			task, err := analyzeFile(ctx, cfg, args[0])
			if err != nil {
				exitf("Error: %v\n", err)
			}
			printJSON(os.Stdout, task)
			if task.Status == models.FailedTaskStatus {
				os.Exit(2)
			}
		},
	}

	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect stored analysis tasks",
	}

	getCmd := &cobra.Command{
		Use:   "get [task-id]",
		Short: "Print a task by id",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withIntake(cmd, func(svc *service.AnalysisService) {
				task, err := svc.GetTask(args[0])
				if err != nil {
					exitf("Error: failed to get task %s: %v\n", args[0], err)
				}
				printJSON(os.Stdout, task)
			})
		},
	}

	lookupCmd := &cobra.Command{
		Use:   "lookup [sha256]",
		Short: "Print the most recent task for a file fingerprint",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withIntake(cmd, func(svc *service.AnalysisService) {
				task, err := svc.GetByFingerprint(args[0])
				if err != nil {
					exitf("Error: failed to look up %s: %v\n", args[0], err)
				}
				printJSON(os.Stdout, task)
			})
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recent tasks",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				exitf("Error retrieving limit flag: %v\n", err)
			}
			withIntake(cmd, func(svc *service.AnalysisService) {
				tasks, err := svc.History(limit)
				if err != nil {
					exitf("Error: failed to list tasks: %v\n", err)
				}
				printHistory(os.Stdout, tasks)
			})
		},
	}
	historyCmd.Flags().Int("limit", service.DefaultHistoryLimit, "Number of tasks to list")

	taskCmd.AddCommand(getCmd, lookupCmd, historyCmd)
	rootCmd.AddCommand(serveCmd, analyzeCmd, taskCmd)
}

func loadConfig(cmd *cobra.Command) *config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		exitf("Error retrieving config flag: %v\n", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		exitf("Error: %v\n", err)
	}
	log.Configure(cfg.Log.Level, cfg.Log.Format)
	log.GetLogger().Debugf("Loaded configuration from %q", path)
	return cfg
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.GetLogger()
	st, err := buildStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.intake.Recover(ctx); err != nil {
		return err
	}
	st.queue.Start(ctx)

	handler := internal_http.NewRouter(st.intake, st.queue, cfg.Server.MaxUploadBytes, logger)
	return internal_http.StartServer(ctx, cfg.Server.Addr, handler, cfg.Server.ShutdownTimeout, logger)
}

func analyzeFile(ctx context.Context, cfg *config.Config, path string) (models.AnalysisTask, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return models.AnalysisTask{}, err
	}
	st, err := buildStack(cfg, log.GetLogger())
	if err != nil {
		return models.AnalysisTask{}, err
	}
	defer st.Close()
	return st.analyze(ctx, filepath.Base(path), content)
}

// analyze submits content and waits for its task to finish. Work left by a
// previous process is recovered first, so a reused pending task still runs.
func (s *stack) analyze(ctx context.Context, name string, content []byte) (models.AnalysisTask, error) {
	if _, err := s.intake.Recover(ctx); err != nil {
		return models.AnalysisTask{}, err
	}
	s.queue.Start(ctx)

	res, err := s.intake.Submit(ctx, service.SubmitRequest{Filename: name, Content: content})
	if err != nil {
		return models.AnalysisTask{}, err
	}
	if !res.Created {
		log.GetLogger().Infof("Reusing task %s (%s)", res.Task.TaskID, res.Task.Status)
	}
	return waitForTask(ctx, s.store, res.Task.TaskID, pollInterval)
}

// waitForTask polls until the task reaches a terminal status or ctx ends.
func waitForTask(ctx context.Context, store storage.Store, taskID string, every time.Duration) (models.AnalysisTask, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		task, err := store.GetTask(taskID)
		if err != nil {
			return models.AnalysisTask{}, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func withIntake(cmd *cobra.Command, fn func(svc *service.AnalysisService)) {
	cfg := loadConfig(cmd)
	store, err := openStore(cfg)
	if err != nil {
		exitf("Error: %v\n", err)
	}
	defer store.Close()
	// read-only commands never enqueue
	fn(service.NewAnalysisService(store, nil, nil, log.GetLogger()))
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		exitf("Error: failed to encode output: %v\n", err)
	}
}

func printHistory(w io.Writer, tasks []models.AnalysisTask) {
	if len(tasks) == 0 {
		fmt.Fprintf(w, "No tasks found.\n")
		return
	}
	fmt.Fprintf(w, "Tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(w, "- ID: %s, File: %s, SHA256: %s, Status: %s, Created: %s\n",
			t.TaskID, t.Filename, t.SHA256, t.Status, t.CreatedAt.Format(time.RFC3339))
	}
}

func exitf(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
