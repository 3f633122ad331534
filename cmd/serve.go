package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/terraconstructs/jitaccess/internal/audit"
	"github.com/terraconstructs/jitaccess/internal/catalog"
	"github.com/terraconstructs/jitaccess/internal/cloudiam"
	"github.com/terraconstructs/jitaccess/internal/db/bunx"
	"github.com/terraconstructs/jitaccess/internal/directory"
	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/ops"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/proposal"
	"github.com/terraconstructs/jitaccess/internal/provision"
	"github.com/terraconstructs/jitaccess/internal/repository"
	"github.com/terraconstructs/jitaccess/internal/server"
	"github.com/terraconstructs/jitaccess/internal/subject"
	"github.com/terraconstructs/jitaccess/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the access broker API server",
	Long:  `Starts the HTTP server exposing the catalog, join, approval, and compliance endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.SettingsFromEnv())
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				log.Printf("WARNING: telemetry shutdown: %v", err)
			}
		}()

		// Connect to the proposal ledger
		db, err := bunx.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		log.Printf("INFO: connected to proposal ledger")

		ledger := repository.NewBunProposalRecordRepository(db)

		celEngine, err := expr.NewEngine()
		if err != nil {
			return fmt.Errorf("create expression engine: %w", err)
		}

		// The initial load must succeed; a server with no policy catalog
		// has nothing to serve.
		store, err := policy.NewStore(ctx, cfg.PolicyPaths, celEngine, nil)
		if err != nil {
			return fmt.Errorf("load policy catalog: %w", err)
		}
		snapshot := store.Get()
		log.Printf("INFO: policy catalog loaded (version=%d, environments=%d, warnings=%d)",
			snapshot.Version, len(snapshot.Environments), len(snapshot.Warnings))

		mapping, err := directory.NewGroupMapping(cfg.GroupsDomain)
		if err != nil {
			return fmt.Errorf("configure group mapping: %w", err)
		}

		// In-memory directory and IAM backends. Real cloud adapters slot in
		// behind the same interfaces.
		dir := directory.NewFake()
		iam := cloudiam.NewFake()
		log.Printf("WARNING: using in-memory directory and IAM backends, state is not durable")

		resolver := subject.NewResolver(dir, mapping,
			subject.WithWorkers(cfg.ResolverWorkers),
			subject.WithCache(cfg.SubjectCacheSize, cfg.SubjectCacheTTL),
		)

		provisioner := provision.NewService(provision.NewMembershipProvisioner(dir, mapping))
		provisioner.Register(policy.PrivilegeIamRoleBinding, provision.NewBindingProvisioner(iam))

		key := []byte(cfg.ProposalSigningKey)
		signer, err := proposal.NewTokenSigner(
			jwt.SigningMethodHS256, key, key,
			cfg.ProposalKeyID, cfg.ServiceIdentity, cfg.ProposalTTL,
		)
		if err != nil {
			return fmt.Errorf("configure proposal signer: %w", err)
		}

		auditLog := audit.NewLogger()

		cat := catalog.New(store)
		engine := ops.NewEngine(ops.EngineParams{
			Catalog:     cat,
			Resolver:    resolver,
			Provisioner: provisioner,
			Signer:      signer,
			Directory:   dir,
			Mapping:     mapping,
			Expr:        celEngine,
			Ledger:      ledger,
			Audit:       auditLog,
		})

		serverMetrics, err := telemetry.NewServerMetrics()
		if err != nil {
			return fmt.Errorf("create server metrics: %w", err)
		}

		routerOpts := server.RouterOptions{
			Catalog:        cat,
			Resolver:       resolver,
			Engine:         engine,
			Expr:           celEngine,
			RequestTimeout: cfg.RequestTimeout,
			Middleware: []func(http.Handler) http.Handler{
				serverMetrics.Middleware,
			},
			ReadyChecks: []func(context.Context) error{
				func(ctx context.Context) error {
					if store.Get() == nil {
						return fmt.Errorf("policy catalog not loaded")
					}
					return nil
				},
				func(ctx context.Context) error {
					return db.PingContext(ctx)
				},
			},
		}
		r := server.NewRouter(routerOpts)

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		// Start server in goroutine
		serverErrors := make(chan error, 1)
		go func() {
			log.Printf("INFO: starting server on %s", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// SIGHUP triggers a policy reload without dropping connections.
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)

		for {
			select {
			case err := <-serverErrors:
				return fmt.Errorf("server error: %w", err)

			case sig := <-reload:
				log.Printf("INFO: received signal %v, reloading policy catalog", sig)
				reloadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := store.Refresh(reloadCtx); err != nil {
					log.Printf("ERROR: policy reload failed, keeping previous snapshot: %v", err)
				} else {
					snapshot := store.Get()
					auditLog.Record(audit.PolicyReloaded(snapshot.Version, len(snapshot.Environments)))
					log.Printf("INFO: policy catalog reloaded (version=%d, environments=%d)",
						snapshot.Version, len(snapshot.Environments))
				}
				cancel()

			case sig := <-shutdown:
				log.Printf("INFO: received signal %v, shutting down gracefully", sig)

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				if err := srv.Shutdown(shutdownCtx); err != nil {
					srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}

				log.Printf("INFO: server stopped")
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
