package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/knoom0/datanav/internal/server"
	"github.com/knoom0/datanav/pkg/config"
	"github.com/knoom0/datanav/pkg/connector"
	"github.com/knoom0/datanav/pkg/errors"
	"github.com/knoom0/datanav/pkg/logger"
	"github.com/knoom0/datanav/pkg/scheduler"
	"github.com/knoom0/datanav/pkg/source/registry"
	"github.com/knoom0/datanav/pkg/store"
	"github.com/knoom0/datanav/pkg/writer"

	// Import all available connectors to register them
	_ "github.com/knoom0/datanav/pkg/source/hubspot"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configFile string

	root := &cobra.Command{
		Use:   "datanav",
		Short: "Datanav - data synchronization engine",
		Long: `Datanav connects to external data providers, fetches records
incrementally and writes them durably, scheduling the work as resumable,
time-boxed jobs.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Datanav v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available connectors",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available connectors:")
			for _, cfg := range registry.List() {
				fmt.Printf("  - %s: %s\n", cfg.ID, cfg.Description)
			}
		},
	})

	var redirectTarget string
	connectCmd := &cobra.Command{
		Use:   "connect <connector-id>",
		Short: "Start the authentication handshake for a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(configFile)
			if err != nil {
				return err
			}
			defer eng.Close()

			conn, err := eng.Connector(args[0])
			if err != nil {
				return err
			}
			result, err := conn.Connect(cmd.Context(), redirectTarget)
			if err != nil {
				return err
			}
			if result.Success {
				fmt.Println("Connected.")
				return nil
			}
			fmt.Println("Authorize at the following URL, then run 'datanav continue' with the code:")
			fmt.Println(result.AuthURL)
			return nil
		},
	}
	connectCmd.Flags().StringVar(&redirectTarget, "redirect-target", "", "OAuth redirect target registered with the provider")
	root.AddCommand(connectCmd)

	var continueCode string
	continueCmd := &cobra.Command{
		Use:   "continue <connector-id>",
		Short: "Complete the authentication handshake with an authorization code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(configFile)
			if err != nil {
				return err
			}
			defer eng.Close()

			conn, err := eng.Connector(args[0])
			if err != nil {
				return err
			}
			if err := conn.ContinueToConnect(cmd.Context(), continueCode, redirectTarget); err != nil {
				return err
			}
			fmt.Println("Connected.")
			return nil
		},
	}
	continueCmd.Flags().StringVar(&continueCode, "code", "", "Authorization code returned by the provider (required)")
	continueCmd.Flags().StringVar(&redirectTarget, "redirect-target", "", "OAuth redirect target used during connect")
	_ = continueCmd.MarkFlagRequired("code")
	root.AddCommand(continueCmd)

	root.AddCommand(&cobra.Command{
		Use:   "sync <connector-id>",
		Short: "Create a load job and run it to completion",
		Long: `Create a load job for the connector and drive it through bounded runs
until no data remains. Any unfinished job for the connector is superseded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(configFile)
			if err != nil {
				return err
			}
			defer eng.Close()

			return runSync(cmd.Context(), eng, args[0])
		},
	})

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain load jobs",
	}
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "list <connector-id>",
		Short: "List jobs for a connector, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(configFile)
			if err != nil {
				return err
			}
			defer eng.Close()

			jobs, err := eng.Scheduler.ListByConnector(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Printf("%s  state=%s result=%s records=%d\n",
					job.ID, job.State, job.Result, job.Progress.UpdatedRecordCount)
			}
			return nil
		},
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Cancel unfinished jobs whose runner appears dead",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(configFile)
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.Scheduler.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Checked %d unfinished jobs, canceled %d stale.\n",
				result.CheckedCount, result.CanceledCount)
			return nil
		},
	})
	root.AddCommand(jobsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP operational surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(configFile)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(eng.Config, eng.Store, eng.Scheduler, eng.Connector)
			return srv.ListenAndServe(ctx)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine bundles the wired runtime the commands share.
type engine struct {
	Config    *config.Config
	Store     store.Store
	Writer    *writer.SQLiteWriter
	Scheduler *scheduler.Scheduler

	mu         sync.Mutex
	connectors map[string]*connector.Connector
}

// openEngine loads configuration, initializes logging and opens the status
// store and record writer.
func openEngine(configFile string) (*engine, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Storage.StatusPath)
	if err != nil {
		return nil, err
	}
	w, err := writer.NewSQLiteWriter(cfg.Storage.DataPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	eng := &engine{
		Config:     cfg,
		Store:      st,
		Writer:     w,
		connectors: make(map[string]*connector.Connector),
	}
	eng.Scheduler = scheduler.New(st, func(connectorID string) (scheduler.Loader, error) {
		return eng.Connector(connectorID)
	}, scheduler.Options{
		MaxRunDuration:  cfg.Sync.MaxJobRunDuration,
		StaleMultiplier: cfg.Sync.StaleJobMultiplier,
	})
	return eng, nil
}

// Connector resolves a connector id to its orchestrator, building it once.
func (e *engine) Connector(connectorID string) (*connector.Connector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, ok := e.connectors[connectorID]; ok {
		return conn, nil
	}

	cfg, err := registry.Get(connectorID)
	if err != nil {
		return nil, err
	}
	conn, err := connector.New(cfg, e.Config.ConnectorSettings(connectorID), e.Store, e.Writer, connector.Options{
		BatchSize: e.Config.Sync.BatchSize,
		PageSize:  e.Config.Sync.PageSize,
	})
	if err != nil {
		return nil, err
	}
	e.connectors[connectorID] = conn
	return conn, nil
}

// Close releases the store and writer.
func (e *engine) Close() {
	_ = e.Writer.Close()
	_ = e.Store.Close()
	_ = logger.Sync()
}

// runSync creates a job and drives bounded runs until the scheduler stops
// handing back continuation ids.
func runSync(ctx context.Context, eng *engine, connectorID string) error {
	status, err := eng.Store.GetConnectorStatus(ctx, connectorID)
	if err != nil {
		return err
	}
	if !status.IsConnected {
		return errors.Newf(errors.ErrorTypeConflict, "connector %s is not connected", connectorID)
	}

	job, err := eng.Scheduler.Create(ctx, scheduler.CreateRequest{ConnectorID: connectorID})
	if err != nil {
		return err
	}
	logger.Info("job created", zap.String("connector", connectorID), zap.String("job_id", job.ID))

	next := job.ID
	for {
		deadline := time.Now().Add(eng.Scheduler.MaxRunDuration())
		result, err := eng.Scheduler.Run(ctx, next, deadline)
		if err != nil {
			return err
		}
		if len(result.NextJobIDs) == 0 {
			final := result.Job
			fmt.Printf("Job %s finished: result=%s records=%d\n",
				final.ID, final.Result, final.Progress.UpdatedRecordCount)
			if final.Error != nil {
				return errors.Newf(errors.ErrorTypeInternal, "job failed: %s", *final.Error)
			}
			return nil
		}
		next = result.NextJobIDs[0]
		fmt.Printf("Job %s continuing: records so far=%d\n",
			result.Job.ID, result.Job.Progress.UpdatedRecordCount)
	}
}
