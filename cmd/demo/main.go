// Command demo drives an in-process queue through a crash and recovery.
//
//	go run ./cmd/demo start     # submit a mixed batch, Ctrl+C while jobs run
//	go run ./cmd/demo recover   # reopen the WAL and watch the batch finish
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-queue/internal/config"
	"github.com/ChuLiYu/beaver-queue/internal/controller"
)

const (
	demoWAL  = "data/demo.wal"
	demoJobs = 60
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := loadConfig()
	if err != nil {
		fatal("Failed to load config", err)
	}
	slog.SetDefault(cfg.Log.NewLogger(os.Stderr))

	ctrlCfg := cfg.Controller()
	ctrlCfg.WALPath = demoWAL
	ctrlCfg.SnapshotPath = ""
	ctrlCfg.WorkerCount = 4

	ctrl, err := controller.NewController(ctrlCfg)
	if err != nil {
		fatal("Failed to create controller", err)
	}
	if err := ctrl.Start(); err != nil {
		fatal("Failed to start controller", err)
	}
	fmt.Printf("✓ Controller started (mode: %s, wal: %s)\n", mode, demoWAL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "start":
		runStart(ctx, ctrl)
	case "recover":
		runRecover(ctx, ctrl)
	}

	<-ctx.Done()
	fmt.Println("\nReceived shutdown signal, stopping gracefully...")
	if err := ctrl.Stop(); err != nil {
		fatal("Stop failed", err)
	}
	fmt.Println("✓ Controller stopped")
}

// loadConfig uses configs/default.yaml when present, with short simulated
// durations so a batch finishes in seconds
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.DefaultPath)
	if errors.Is(err, os.ErrNotExist) {
		d := config.Default()
		cfg, err = &d, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Processors = config.ProcessorsConfig{
		FileProcessing: 400 * time.Millisecond,
		DataEnrichment: 300 * time.Millisecond,
		Calculation:    500 * time.Millisecond,
	}
	cfg.Retry.BaseDelay = 200 * time.Millisecond
	return cfg, nil
}

func runStart(ctx context.Context, ctrl *controller.Controller) {
	stats := ctrl.GetStats()
	if stats["total"] > 0 {
		fmt.Printf("\n⚠️  Found %d jobs from a previous run\n", stats["total"])
		printStats("Current Status (after recovery)", stats)
		fmt.Println("\nRun 'go run ./cmd/demo recover' to watch them finish, or remove data/ to start fresh")
		return
	}

	for i := 1; i <= demoJobs; i++ {
		jobType, payload := demoJob(i)
		priority := i % 3
		if _, err := ctrl.Submit(jobType, payload, &priority); err != nil {
			fatal("Failed to submit job", err)
		}
	}
	fmt.Printf("✓ Submitted %d jobs (calculations 30 and 60 use an unknown operation and fail)\n", demoJobs)
	fmt.Println("💡 Press Ctrl+C while jobs are active to simulate a crash")

	watch(ctx, ctrl, 5*time.Second)
}

func runRecover(ctx context.Context, ctrl *controller.Controller) {
	printStats("Immediate Status After Recovery", ctrl.GetStats())
	watch(ctx, ctrl, 30*time.Second)
	printStats("Final Status", ctrl.GetStats())
	fmt.Println("\nPress Ctrl+C to exit")
}

// watch prints the counters until the queue is idle, ctx ends or limit passes
func watch(ctx context.Context, ctrl *controller.Controller, limit time.Duration) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(limit)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			s := ctrl.GetStats()
			fmt.Printf("📊 pending=%d active=%d completed=%d failed=%d\n",
				s["pending"], s["active"], s["completed"], s["failed"])
			if s["pending"] == 0 && s["active"] == 0 {
				return
			}
		}
	}
}

// demoJob cycles through the three job types
func demoJob(i int) (string, json.RawMessage) {
	var v any
	switch i % 3 {
	case 0:
		op := "complex"
		if i%10 == 0 {
			op = "divide"
		}
		v = map[string]any{"operation": op, "numbers": []int{i, i + 1, i + 2}}
		data, _ := json.Marshal(v)
		return "calculation", data
	case 1:
		v = map[string]any{"fileName": fmt.Sprintf("report-%03d.csv", i), "size": i * 1024}
		data, _ := json.Marshal(v)
		return "file_processing", data
	default:
		v = map[string]any{"userId": fmt.Sprintf("user-%d", i)}
		data, _ := json.Marshal(v)
		return "data_enrichment", data
	}
}

func printStats(title string, s map[string]int) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:   %d\n", s["pending"])
	fmt.Printf("  Active:    %d\n", s["active"])
	fmt.Printf("  Completed: %d\n", s["completed"])
	fmt.Printf("  Failed:    %d\n", s["failed"])
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:     %d\n", s["total"])
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
