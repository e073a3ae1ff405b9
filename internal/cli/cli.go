// ============================================================================
// Beaver-Queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and talking to the queue
//
// Command Structure:
//   beaver-queue                   # Root command
//   ├── run                        # Start the queue and its servers
//   ├── submit                     # Submit one job
//   │   └── --type, --payload, --priority
//   ├── enqueue                    # Submit jobs from a JSON file
//   │   └── --file, -f
//   ├── status [job-id]            # Queue summary or one job
//   ├── cancel <job-id>            # Cancel a pending job
//   ├── list                       # All jobs
//   ├── wal [path]                 # Inspect a WAL file offline
//   │   └── --dump, --validate
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --addr                     # gRPC address for client commands
//
// run Command:
//   1. Load config and install the slog handler
//   2. Create the controller with a Prometheus collector and start it
//      (recovery happens here)
//   3. Serve HTTP, gRPC and /metrics from one errgroup
//   4. SIGINT/SIGTERM cancels the group; servers shut down, then the
//      controller drains workers and writes its final snapshot
//
// Client commands talk to a running queue over gRPC (server.Client).
//
// enqueue file format:
//   [
//     {"type": "calculation", "payload": {"operation": "add", "numbers": [1, 2]}},
//     {"type": "file_processing", "payload": {"name": "a.txt"}, "priority": 5}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-queue/internal/config"
	"github.com/ChuLiYu/beaver-queue/internal/controller"
	"github.com/ChuLiYu/beaver-queue/internal/httpapi"
	"github.com/ChuLiYu/beaver-queue/internal/metrics"
	"github.com/ChuLiYu/beaver-queue/internal/server"
	"github.com/ChuLiYu/beaver-queue/internal/storage/wal"
)

// requestTimeout bounds every client command
const requestTimeout = 10 * time.Second

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-queue",
		Short: "Beaver-Queue: a prioritized, crash-recoverable job queue",
		Long: `Beaver-Queue is an in-process job queue with:
- Priority dispatch, FIFO within a priority
- Bounded retries with exponential backoff
- WAL + snapshot recovery
- HTTP and gRPC interfaces, Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "gRPC address of a running queue (default: grpc.addr from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// loadConfig reads the config file. A missing file at the default path
// falls back to built-in defaults; an explicit path must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			return &cfg, nil
		}
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the queue with its HTTP, gRPC and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			slog.SetDefault(cfg.Log.NewLogger(os.Stderr))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runQueue(ctx, cfg)
		},
	}
}

// runQueue starts the queue and serves it until ctx is cancelled or a
// server fails
func runQueue(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	ctrl, err := controller.NewController(cfg.Controller(), controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		return errors.Join(fmt.Errorf("failed to start controller: %w", err), ctrl.Stop())
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		var accessLog io.Writer
		if cfg.HTTP.AccessLog {
			accessLog = os.Stdout
		}
		serveHTTP(gctx, g, "http", httpapi.NewServer(cfg.HTTP.Addr, ctrl, accessLog))
	}

	if cfg.Metrics.Enabled {
		serveHTTP(gctx, g, "metrics", metrics.NewServer(cfg.Metrics.Addr, reg))
	}

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			// fails the group so the HTTP servers shut down too
			g.Go(func() error { return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err) })
		} else {
			gs, hs := server.NewGRPCServer(ctrl)
			g.Go(func() error {
				logger.Info("gRPC server listening", "addr", lis.Addr().String())
				return gs.Serve(lis)
			})
			g.Go(func() error {
				<-gctx.Done()
				hs.Shutdown()
				gs.GracefulStop()
				return nil
			})
		}
	}

	logger.Info("System started successfully", "config", configFile)

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("server failed", "error", runErr)
	}

	logger.Info("Received shutdown signal, stopping gracefully...")
	stopErr := ctrl.Stop()
	if stopErr == nil {
		logger.Info("System stopped")
	}
	return errors.Join(runErr, stopErr)
}

// serveHTTP runs srv in g and shuts it down when ctx is done
func serveHTTP(ctx context.Context, g *errgroup.Group, name string, srv *http.Server) {
	g.Go(func() error {
		slog.Default().Info("HTTP server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ============================================================================
// Client commands
// ============================================================================

// dial connects to --addr, or to grpc.addr from the config
func dial(cmd *cobra.Command) (*server.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		addr = cfg.GRPC.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return server.Dial(addr)
}

func buildSubmitCommand() *cobra.Command {
	var jobType, payload string
	var priority int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one job",
		Example: `  beaver-queue submit --type calculation --payload '{"operation":"add","numbers":[1,2,3]}'
  beaver-queue submit -t data_enrichment -p '{"user":"42"}' --priority 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			var prio *int
			if cmd.Flags().Changed("priority") {
				prio = &priority
			}

			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			resp, err := client.SubmitJob(ctx, jobType, json.RawMessage(payload), prio)
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job submitted: %s (%s)\n", resp.JobID, resp.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobType, "type", "t", "", "job type: file_processing, data_enrichment, calculation")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "job payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

// jobEntry is one entry of an enqueue file
type jobEntry struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority *int            `json:"priority,omitempty"`
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON array and submit them to a running queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readJobFile(jobFile)
			if err != nil {
				return err
			}

			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			return enqueueJobs(cmd.Context(), cmd.OutOrStdout(), client, entries)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readJobFile(path string) ([]jobEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var entries []jobEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return entries, nil
}

// enqueueJobs submits every entry; a rejected job is reported and skipped
func enqueueJobs(ctx context.Context, out io.Writer, client *server.Client, entries []jobEntry) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	submitted := 0
	for i, s := range entries {
		resp, err := client.SubmitJob(ctx, s.Type, s.Payload, s.Priority)
		if err != nil {
			fmt.Fprintf(out, "Failed to submit job #%d (%s): %v\n", i+1, s.Type, err)
			continue
		}
		fmt.Fprintf(out, "  %s  %s\n", resp.JobID, s.Type)
		submitted++
	}
	fmt.Fprintf(out, "Successfully submitted %d/%d jobs\n", submitted, len(entries))

	if submitted == 0 && len(entries) > 0 {
		return errors.New("no job was accepted")
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show queue status, or the status of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if len(args) == 1 {
				view, err := client.GetJobStatus(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get job status: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), view)
			}
			return showStatus(ctx, cmd.OutOrStdout(), client)
		},
	}
}

// showStatus prints the per-status counters of a running queue
func showStatus(ctx context.Context, out io.Writer, client *server.Client) error {
	fmt.Fprintln(out, "Beaver-Queue Status")
	fmt.Fprintln(out, "===================")

	healthy, err := client.Healthy(ctx)
	if err != nil || !healthy {
		fmt.Fprintln(out, "Queue: not reachable (start it with 'beaver-queue run')")
		return nil
	}

	stats, err := client.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Fprintln(out, "Queue: serving")
	fmt.Fprintln(out)
	statuses := make([]string, 0, len(stats))
	for s := range stats {
		if s != "total" {
			statuses = append(statuses, s)
		}
	}
	sort.Strings(statuses)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range statuses {
		fmt.Fprintf(tw, "  %s:\t%d\n", s, stats[s])
	}
	fmt.Fprintf(tw, "  total:\t%d\n", stats["total"])
	if total := stats["total"]; total > 0 {
		fmt.Fprintf(tw, "  success rate:\t%.1f%%\n", float64(stats["completed"])/float64(total)*100)
	}
	return tw.Flush()
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			resp, err := client.CancelJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to cancel job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Message, resp.JobID)
			return nil
		},
	}
}

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			jobs, err := client.ListJobs(ctx)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
					j.ID, j.Type, j.Status, j.Priority, j.Attempts, j.MaxAttempts,
					j.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand() *cobra.Command {
	var dump, validate bool

	cmd := &cobra.Command{
		Use:   "wal [path]",
		Short: "Inspect a WAL file (default: wal.path from config)",
		Long: `Print event counts and sequence range of a WAL file. Safe to run
against a stopped queue; a running queue may hold unflushed events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				path = cfg.WAL.Path
			}
			if path == "" {
				return errors.New("no WAL path: pass one or set wal.path in the config")
			}
			return inspectWAL(cmd.OutOrStdout(), path, dump, validate)
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print every event")
	cmd.Flags().BoolVar(&validate, "validate", false, "fail on a checksum mismatch or sequence gap")

	return cmd
}

func inspectWAL(out io.Writer, path string, dump, validate bool) error {
	stats, err := wal.GetWALStats(path)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}

	fmt.Fprintf(out, "WAL: %s\n", path)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  events:\t%d\n", stats.TotalEvents)
	fmt.Fprintf(tw, "  corrupted:\t%d\n", stats.CorruptedCount)
	if stats.TotalEvents > 0 {
		fmt.Fprintf(tw, "  seq:\t%d..%d\n", stats.FirstSeq, stats.LastSeq)
		fmt.Fprintf(tw, "  span:\t%s .. %s\n",
			time.UnixMilli(stats.TimeRange[0]).UTC().Format(time.RFC3339),
			time.UnixMilli(stats.TimeRange[1]).UTC().Format(time.RFC3339))
	}
	kinds := make([]string, 0, len(stats.EventTypes))
	for t := range stats.EventTypes {
		kinds = append(kinds, string(t))
	}
	sort.Strings(kinds)
	for _, t := range kinds {
		fmt.Fprintf(tw, "  %s:\t%d\n", t, stats.EventTypes[wal.EventType(t)])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if dump {
		fmt.Fprintln(out)
		if err := wal.DumpWAL(path, out); err != nil {
			return fmt.Errorf("failed to dump WAL: %w", err)
		}
	}
	if validate {
		if err := wal.ValidateWAL(path); err != nil {
			return fmt.Errorf("WAL is not valid: %w", err)
		}
		fmt.Fprintln(out, "WAL is valid")
	}
	return nil
}
