package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/blacksamuraiiii/baichuan-assistant/internal/executor"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/ingest"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/lock"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/mail"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/schedule"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/storage"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/store"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/vault"
	"github.com/blacksamuraiiii/baichuan-assistant/internal/workbook"
)

func main() {
	headless := flag.String("headless", "", "run the named task unattended and exit")
	testTask := flag.String("test-task", "", "run the named task once interactively")
	listTasks := flag.Bool("list-tasks", false, "list configured tasks")
	registerTask := flag.String("register-task", "", "register the named task with the OS scheduler")
	unregisterTask := flag.String("unregister-task", "", "remove the named task from the OS scheduler")
	daemon := flag.Bool("daemon", false, "run the in-process scheduler daemon")
	firstTimeSetup := flag.Bool("first-time-setup", false, "create the default configuration")
	flag.Parse()

	// Last-resort handler: log the trace and give the operator
	// something actionable instead of a raw stack on the console.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "unexpected error: %v\n", r)
			fmt.Fprintln(os.Stderr, "check the log file for details and re-run; if this persists, verify the configuration file is valid JSON")
			fmt.Fprintln(os.Stderr, string(debug.Stack()))
			os.Exit(1)
		}
	}()

	loadSettings()

	logger, err := buildLogger(*headless != "")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	app, err := buildApp(logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.close()

	ctx := context.Background()

	switch {
	case *headless != "":
		if err := app.runner.Execute(ctx, *headless); err != nil {
			logger.Error("Headless run failed", zap.String("task", *headless), zap.Error(err))
			os.Exit(1)
		}
		logger.Info("Headless run completed", zap.String("task", *headless))

	case *testTask != "":
		if err := app.runner.Execute(ctx, *testTask); err != nil {
			logger.Error("Test run failed", zap.String("task", *testTask), zap.Error(err))
			os.Exit(1)
		}
		fmt.Printf("task %q completed\n", *testTask)

	case *listTasks:
		if err := app.printTasks(); err != nil {
			logger.Error("Failed to list tasks", zap.Error(err))
			os.Exit(1)
		}

	case *registerTask != "":
		if err := app.register(ctx, *registerTask); err != nil {
			logger.Error("Failed to register schedule", zap.String("task", *registerTask), zap.Error(err))
			os.Exit(1)
		}
		fmt.Printf("scheduled task %q registered\n", *registerTask)

	case *unregisterTask != "":
		if err := schedule.Unregister(ctx, app.bridge, app.store, *unregisterTask); err != nil {
			logger.Error("Failed to unregister schedule", zap.String("task", *unregisterTask), zap.Error(err))
			os.Exit(1)
		}
		fmt.Printf("scheduled task %q unregistered\n", *unregisterTask)

	case *daemon:
		app.runDaemon(ctx, logger)

	case *firstTimeSetup:
		if err := app.firstTimeSetup(); err != nil {
			logger.Error("First-time setup failed", zap.Error(err))
			os.Exit(1)
		}

	default:
		printUsage()
	}
}

// app wires the components for one invocation
type app struct {
	store   *store.Store
	runner  *executor.Runner
	bridge  schedule.Bridge
	history storage.RunHistory
	logger  *zap.Logger
}

func buildApp(logger *zap.Logger) (*app, error) {
	dataDir := viper.GetString("app.data_dir")

	st := store.New(logger, filepath.Join(dataDir, "config.json"))
	v := vault.New(logger, filepath.Join(dataDir, "secret.key"))
	locks := lock.NewManager(logger, filepath.Join(dataDir, "locks"))

	doc, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load task store: %w", err)
	}
	settings := doc.Settings

	history, err := storage.NewSQLiteRunHistory(logger, filepath.Join(dataDir, "run_history.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}

	pipeline := ingest.New(logger, viper.GetInt("ingest.batch_size"))
	builder := workbook.NewBuilder(logger)
	sender := mail.NewSender(logger, v, st, settings)

	policy := executor.DefaultRetryPolicy()
	if settings.RetryAttempts > 0 {
		policy.Attempts = settings.RetryAttempts
	}
	if settings.RetryDelay > 0 {
		policy.Delay = secondsDuration(settings.RetryDelay)
	}

	runner := executor.NewRunner(logger, st, pipeline, builder, sender, locks, history, policy)

	exePath, err := os.Executable()
	if err != nil {
		exePath = os.Args[0]
	}
	bridge := schedule.NewSchtasksBridge(logger, nil, exePath)

	return &app{
		store:   st,
		runner:  runner,
		bridge:  bridge,
		history: history,
		logger:  logger,
	}, nil
}

func (a *app) close() {
	if a.history != nil {
		a.history.Close()
	}
}

func (a *app) printTasks() error {
	tasks, err := a.store.List()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks configured")
		return nil
	}
	for _, task := range tasks {
		scheduleDesc := "manual"
		if task.Schedule.Enabled {
			scheduleDesc = fmt.Sprintf("%s %s", task.Schedule.Frequency, task.Schedule.Time)
		}
		fmt.Printf("%-24s sources=%d schedule=%s status=%s\n",
			task.Name, len(task.APISources), scheduleDesc, task.Status)
	}
	return nil
}

func (a *app) register(ctx context.Context, taskName string) error {
	task, err := a.store.Get(taskName)
	if err != nil {
		return err
	}
	if err := a.bridge.Register(ctx, taskName, task.Schedule); err != nil {
		return err
	}
	task.Schedule.Enabled = true
	return a.store.Upsert(task)
}

func (a *app) runDaemon(ctx context.Context, logger *zap.Logger) {
	d := schedule.NewDaemon(logger, a.store, func(ctx context.Context, name string) error {
		return a.runner.Execute(ctx, name)
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler daemon", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	d.Stop()
}

func (a *app) firstTimeSetup() error {
	if _, err := os.Stat(a.store.Path()); err == nil {
		fmt.Println("configuration already exists:", a.store.Path())
		return nil
	}
	doc, err := a.store.Load()
	if err != nil {
		return err
	}
	if err := a.store.Save(doc); err != nil {
		return err
	}
	fmt.Println("default configuration written to", a.store.Path())
	fmt.Println("edit it to add tasks, then verify with --test-task <name>")
	return nil
}

func loadSettings() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("assistant")
	viper.AutomaticEnv()
	viper.SetDefault("app.data_dir", ".")
	viper.SetDefault("app.log_dir", "logs")
	viper.SetDefault("ingest.batch_size", 0)
	// A missing config file is fine; defaults and env cover it.
	_ = viper.ReadInConfig()
}

// buildLogger writes to the log file, mirroring to the console except
// in headless mode where only the file receives output
func buildLogger(headless bool) (*zap.Logger, error) {
	logDir := viper.GetString("app.log_dir")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	cfg := zap.NewProductionConfig()
	logFile := filepath.Join(logDir, "assistant.log")
	if headless {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	} else {
		cfg.OutputPaths = []string{logFile, "stdout"}
		cfg.ErrorOutputPaths = []string{logFile, "stderr"}
	}
	return cfg.Build()
}

func printUsage() {
	fmt.Println("usage:")
	fmt.Println("  --headless <task>        run a task unattended (for the scheduler)")
	fmt.Println("  --test-task <task>       run a task once and report the result")
	fmt.Println("  --list-tasks             list configured tasks")
	fmt.Println("  --register-task <task>   register a task with the OS scheduler")
	fmt.Println("  --unregister-task <task> remove a task from the OS scheduler")
	fmt.Println("  --daemon                 run schedules in-process")
	fmt.Println("  --first-time-setup       write the default configuration")
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
