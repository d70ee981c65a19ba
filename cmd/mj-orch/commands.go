package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobqueue"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/prompts"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/storage"
)

var (
	enqueueEmail   string
	enqueueMode    string
	enqueueLicense string
	statusEmail    string
	statusLimit    int
	logsFollow     bool
)

func init() {
	// enqueue command
	enqueueCmd := &cobra.Command{
		Use:   "enqueue PROMPT_FILE",
		Short: "Upload a prompt file and queue a job for a worker",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	enqueueCmd.Flags().StringVar(&enqueueEmail, "email", "", "account the job runs for")
	enqueueCmd.Flags().StringVar(&enqueueMode, "mode", "U1", "upscale mode (U1, U2, U3, U4 or All)")
	enqueueCmd.Flags().StringVar(&enqueueLicense, "license-key", "", "license key recorded with the job")
	_ = enqueueCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(enqueueCmd)

	// cancel command
	cancelCmd := &cobra.Command{
		Use:   "cancel JOB",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [JOB]",
		Short: "Show recent jobs or the details of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusEmail, "email", "", "only list jobs of this account")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of jobs to list")
	rootCmd.AddCommand(statusCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs JOB",
		Short: "View the progress log of a job",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new lines until the job ends")
	rootCmd.AddCommand(logsCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := domain.ParseMode(enqueueMode)
	if err != nil {
		return err
	}

	path := args[0]
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".xlsx" && ext != ".csv" {
		return fmt.Errorf("unsupported prompt file %s: expected .xlsx or .csv", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	jobs, err := openJobs(cfg)
	if err != nil {
		return err
	}
	defer jobs.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	producer, err := jobqueue.NewProducer(cfg.Queue.Brokers, cfg.Queue.Topic)
	if err != nil {
		return err
	}
	defer producer.Close()

	key := storage.PromptsKey(enqueueEmail, "prompts"+ext)
	if err := blobs.Put(ctx, key, bytes.NewReader(data), prompts.FormatFor(path).ContentType()); err != nil {
		return fmt.Errorf("uploading prompt file: %w", err)
	}

	if err := jobs.ClearLogs(ctx, enqueueEmail); err != nil {
		return err
	}
	job := &domain.Job{
		ID:         uuid.NewString(),
		Email:      enqueueEmail,
		LicenseKey: enqueueLicense,
		Mode:       mode,
		PromptsURL: key,
	}
	if err := jobs.CreateJob(ctx, job); err != nil {
		return err
	}
	if err := producer.PublishJob(ctx, job); err != nil {
		_ = jobs.FinishJob(context.WithoutCancel(ctx), job.ID, domain.JobFailed, "could not enqueue job: "+err.Error())
		return fmt.Errorf("publishing job: %w", err)
	}

	fmt.Printf("Queued job %s (%s) for %s\n", job.ID, job.Mode, job.Email)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobs, err := openJobs(cfg)
	if err != nil {
		return err
	}
	defer jobs.Close()

	job, err := jobs.RequestCancel(cmd.Context(), args[0])
	if errors.Is(err, jobstore.ErrNotFound) {
		return fmt.Errorf("job %s not found", args[0])
	}
	if err != nil {
		return err
	}

	switch {
	case job.Status == domain.JobCanceled && job.StartedAt == nil:
		fmt.Println("Job canceled before it started.")
	case job.Status == domain.JobStarted:
		fmt.Println("Cancellation requested. The job stops at its next checkpoint.")
	case job.Status == domain.JobCanceled:
		fmt.Println("Job was already canceled.")
	default:
		fmt.Println("Job already completed. Nothing to cancel.")
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobs, err := openJobs(cfg)
	if err != nil {
		return err
	}
	defer jobs.Close()

	if len(args) == 1 {
		job, err := jobs.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		printJob(job)
		batches, err := jobs.Batches(ctx, job.ID)
		if err != nil {
			return err
		}
		if len(batches) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BATCH\tPROMPTS\tFAILED\tDURATION")
			for _, b := range batches {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", b.Number, b.Prompts, b.Failed, elapsed(b.StartedAt, b.FinishedAt))
			}
			w.Flush()
		}
		return nil
	}

	list, err := jobs.RecentJobs(ctx, statusEmail, statusLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tMODE\tSTATUS\tPROGRESS\tCREATED")
	for _, job := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			job.ID, job.Email, job.Mode, job.Status,
			job.CompletedPrompts, job.TotalPrompts,
			job.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func printJob(job *domain.Job) {
	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Email:    %s\n", job.Email)
	fmt.Printf("Mode:     %s\n", job.Mode)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Progress: %d/%d prompts\n", job.CompletedPrompts, job.TotalPrompts)
	if job.CancelRequested && job.Status == domain.JobStarted {
		fmt.Println("Cancel:   requested")
	}
	if job.StartedAt != nil {
		fmt.Printf("Runtime:  %s\n", elapsed(job.StartedAt, job.FinishedAt))
	}
	if job.Error != "" {
		fmt.Printf("Error:    %s\n", job.Error)
	}
}

func elapsed(start, end *time.Time) string {
	if start == nil {
		return "-"
	}
	stop := time.Now()
	if end != nil {
		stop = *end
	}
	return stop.Sub(*start).Round(time.Second).String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobs, err := openJobs(cfg)
	if err != nil {
		return err
	}
	defer jobs.Close()

	jobID := args[0]
	after := 0
	for {
		// status first so lines written before the job ended are not missed
		job, err := jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		entries, err := jobs.Logs(ctx, jobID, after)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("[%s] %s\n", e.Timestamp.Local().Format("15:04:05"), e.Message)
			after = e.ID
		}
		if !logsFollow || !job.Status.Active() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
