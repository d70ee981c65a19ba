package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/artifact"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/discord"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobrun"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/prompts"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/storage"
)

const localEmail = "local"

var (
	runSettings string
	runMode     string
	runOut      string
	exportOut   string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run PROMPT_FILE",
		Short: "Run a prompt file locally and write the results to a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocal,
	}
	runCmd.Flags().StringVar(&runSettings, "settings", "settings.json", "Discord settings file")
	runCmd.Flags().StringVar(&runMode, "mode", "U1", "upscale mode (U1, U2, U3, U4 or All)")
	runCmd.Flags().StringVarP(&runOut, "out", "o", ".", "directory for images.zip and the failed prompt ledger")
	rootCmd.AddCommand(runCmd)

	// ledger command
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Work with failed prompt ledgers",
	}
	exportCmd := &cobra.Command{
		Use:   "export LEDGER_JSON",
		Short: "Convert a failed prompt ledger to a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE:  runLedgerExport,
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "failed_prompts.xlsx", "spreadsheet to write")
	ledgerCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// runLocal executes one job in-process. Inputs and results go through an
// in-memory store so the runner behaves exactly as it does in a worker.
func runLocal(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := domain.ParseMode(runMode)
	if err != nil {
		return err
	}

	settings, err := os.ReadFile(runSettings)
	if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}
	if _, err := discord.ParseSettings(settings); err != nil {
		return fmt.Errorf("%s: %w", runSettings, err)
	}
	promptFile, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	blobs := storage.NewMemory()
	if err := blobs.Put(ctx, storage.SettingsKey(localEmail), bytes.NewReader(settings), "application/json"); err != nil {
		return err
	}
	format := prompts.FormatFor(args[0])
	promptsKey := storage.PromptsKey(localEmail, "prompts."+string(format))
	if err := blobs.Put(ctx, promptsKey, bytes.NewReader(promptFile), format.ContentType()); err != nil {
		return err
	}

	console := jobrun.NewConsoleSink(os.Stdout)
	runner := jobrun.New(cfg, blobs, jobrun.Options{
		Sinks:  func(*domain.Job) jobrun.JobSink { return console },
		Logger: logger.Named("runner"),
	})
	job := &domain.Job{
		ID:         uuid.NewString(),
		Email:      localEmail,
		Mode:       mode,
		PromptsURL: promptsKey,
	}

	summary, runErr := runner.Execute(ctx, job)
	if err := exportResults(context.WithoutCancel(ctx), blobs, runOut); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	fmt.Printf("%d of %d prompts completed, %d images saved, %d prompts failed\n",
		summary.Completed, summary.Prompts, summary.Images, summary.Failed)
	return nil
}

// exportResults copies the published archive and ledger out of the store
func exportResults(ctx context.Context, blobs *storage.MemoryStore, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if ok, _ := blobs.Exists(ctx, storage.ImagesKey(localEmail)); ok {
		data, err := blobs.Get(ctx, storage.ImagesKey(localEmail))
		if err != nil {
			return err
		}
		path := filepath.Join(dir, "images.zip")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%s)\n", path, humanize.Bytes(uint64(len(data))))
	}

	if ok, _ := blobs.Exists(ctx, storage.LedgerKey(localEmail)); ok {
		data, err := blobs.Get(ctx, storage.LedgerKey(localEmail))
		if err != nil {
			return err
		}
		path := filepath.Join(dir, "failed_prompts.json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
	}
	return nil
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	entries, err := artifact.DecodeLedger(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	var buf bytes.Buffer
	if err := artifact.WriteLedgerXLSX(&buf, entries); err != nil {
		return err
	}
	if err := os.WriteFile(exportOut, buf.Bytes(), 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %d failed prompts to %s\n", len(entries), exportOut)
	return nil
}
