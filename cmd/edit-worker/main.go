// edit-worker is the long-lived worker process: it claims tenants from
// the shared unclaimed queue, drains their work and preempt queues, and
// runs the Job Controller against a cloned repo and the code-mod engine.
// A small HTTP surface exposes /healthz and /metrics alongside the main
// loop. The cobra root command exists for --help, a version subcommand, and the rare
// launch-time override; ongoing configuration is environment-derived
// through internal/config.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webordinary/edit-worker/internal/activejob"
	"github.com/webordinary/edit-worker/internal/callback"
	"github.com/webordinary/edit-worker/internal/claim"
	"github.com/webordinary/edit-worker/internal/codemod"
	"github.com/webordinary/edit-worker/internal/config"
	"github.com/webordinary/edit-worker/internal/jobcontroller"
	"github.com/webordinary/edit-worker/internal/logging"
	"github.com/webordinary/edit-worker/internal/publish"
	"github.com/webordinary/edit-worker/internal/queue"
	"github.com/webordinary/edit-worker/internal/supervisor"
	"github.com/webordinary/edit-worker/internal/workspace"
)

// newRootCommand wraps the worker loop in a cobra.Command so an operator
// gets --help and a version subcommand and can override the handful of settings
// that make sense as launch flags; everything else still comes from
// EDIT_WORKER_ environment variables through config.Load.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "edit-worker",
		Short:        "Claims a tenant, applies a code-mod instruction, builds, publishes, and pushes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := v.BindPFlag("http_addr", cmd.Flags().Lookup("http-addr")); err != nil {
				return fmt.Errorf("bind http-addr flag: %w", err)
			}
			if addr := v.GetString("http_addr"); addr != "" {
				os.Setenv("EDIT_WORKER_HTTP_ADDR", addr)
			}
			return run()
		},
	}
	cmd.Flags().String("http-addr", "", "override EDIT_WORKER_HTTP_ADDR (liveness/metrics bind address)")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the worker ID (hostname, or a generated ID) and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), workerID())
			return nil
		},
	})
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("edit-worker: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.NewComponentLogger("Main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.ClaimDatabaseURL)
	if err != nil {
		log.Fatalf("connect claim database: %v", err)
	}
	defer pool.Close()

	claims := claim.NewRegistry(pool)
	activeJobs := activejob.NewStore(pool)
	q := queue.NewClient(pool)
	for _, ensure := range []func(context.Context) error{claims.EnsureSchema, activeJobs.EnsureSchema, q.EnsureSchema} {
		if err := ensure(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
	}

	cb := callback.NewClient(cfg.OrchestratorBaseURL)
	codeMod := codemod.New(codemod.Config{
		Command:          cfg.CodeModCommand,
		Args:             cfg.CodeModArgs,
		MaxTurns:         cfg.CodeModMaxTurns,
		OutputTokenCap:   cfg.CodeModOutputTokenCap,
		ThinkingTokenCap: 1024,
		AllowedTools:     codemod.DefaultAllowedTools,
	})

	newWorkspace := func(projectID, userID, repoURL string) (jobcontroller.Workspacer, string) {
		m := workspace.New(cfg.WorkspaceRoot, projectID, userID, repoURL)
		return m, m.Dir
	}
	newPublisher := newPublisherFactory(cfg)

	workerID := workerID()
	controller := jobcontroller.New(workerID, cfg, cb, activeJobs, q, newWorkspace, codeMod, newPublisher)
	sup := supervisor.New(workerID, cfg, claims, q, controller)

	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		sup.Run(ctx)
	}()

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: healthMux()}
	return serveUntilDone(ctx, stop, server, supDone, logger)
}

func newPublisherFactory(cfg config.Config) jobcontroller.PublisherFactory {
	if cfg.PublishEndpoint == "" {
		return func(workDir, bucket string) jobcontroller.Publisher {
			return publish.New(workDir, bucket)
		}
	}
	syncer, err := publish.NewMinioSyncer(cfg.PublishEndpoint, cfg.PublishAccessKey, cfg.PublishSecretKey, cfg.PublishUseSSL)
	if err != nil {
		log.Fatalf("construct object storage client: %v", err)
	}
	return func(workDir, bucket string) jobcontroller.Publisher {
		return &publish.Publisher{Builder: publish.NewBuilder(workDir), Syncer: syncer, Bucket: bucket}
	}
}

func workerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// serveUntilDone runs server until either the supervisor loop exits
// (ctx cancelled by a signal) or the server itself fails, then performs
// a bounded graceful shutdown.
func serveUntilDone(ctx context.Context, stop context.CancelFunc, server *http.Server, supDone <-chan struct{}, logger logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP surface listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			serveErr = fmt.Errorf("http server: %w", err)
		}
		stop()
	case <-ctx.Done():
		logger.Info("shutdown signal received, waiting for owned tenant to release")
	case <-supDone:
		logger.Info("supervisor loop exited")
	}

	<-supDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("http shutdown: %w", err)
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("edit-worker stopped")
	return nil
}
