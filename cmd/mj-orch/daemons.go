package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobqueue"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobrun"
	"github.com/hochfrequenz/midjourney-orchestrator/web/api"
)

var (
	servePort   int
	workerSlots int
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// worker command
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued jobs and run them against Discord",
		RunE:  runWorker,
	}
	workerCmd.Flags().IntVar(&workerSlots, "slots", 0, "concurrent jobs (default from config)")
	rootCmd.AddCommand(workerCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
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

	deps := api.Deps{
		Jobs:   jobs,
		Queue:  producer,
		Blobs:  blobs,
		Logger: logger.Named("api"),
	}
	if lic := newLicense(cfg); lic != nil {
		deps.License = lic
	} else {
		logger.Warn("no license service configured, accepting every submission")
	}
	server := api.NewServer(deps, api.Options{
		PresignTTL: cfg.Storage.PresignTTL.Std(),
	})

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	logger.Info("starting job API", zap.String("addr", addr))
	return server.Run(ctx, addr)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
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
	consumer := jobqueue.NewConsumer(cfg.Queue.Brokers, cfg.Queue.Topic, cfg.Queue.GroupID)
	defer consumer.Close()

	opts := jobrun.Options{
		Sinks: func(job *domain.Job) jobrun.JobSink {
			return jobs.Sink(job.ID, jobLogger(job))
		},
		Logger: logger.Named("runner"),
	}
	if lic := newLicense(cfg); lic != nil {
		opts.Usage = lic
	}
	runner := jobrun.New(cfg, blobs, opts)

	slots := cfg.Worker.MaxJobs
	if workerSlots > 0 {
		slots = workerSlots
	}
	worker := jobqueue.NewWorker(consumer, jobs, runner, jobqueue.NewPool(slots), newNotifier(cfg), logger.Named("worker"))

	var reaper *jobqueue.Reaper
	if cfg.Worker.ReapSchedule != "" {
		reaper, err = jobqueue.NewReaper(jobs, cfg.Worker.ReapSchedule, cfg.Worker.StaleAfter.Std(), logger.Named("reaper"))
		if err != nil {
			return fmt.Errorf("worker.reap_schedule: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	if reaper != nil {
		g.Go(func() error {
			return reaper.Run(ctx)
		})
	}

	logger.Info("worker started",
		zap.Int("slots", slots),
		zap.Strings("brokers", cfg.Queue.Brokers),
		zap.String("topic", cfg.Queue.Topic))
	return g.Wait()
}
