// Packgate CLI - untrusted package intake and verification pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/2029ijones-sudo/FireOS/internal/alert"
	"github.com/2029ijones-sudo/FireOS/internal/api"
	"github.com/2029ijones-sudo/FireOS/internal/audit"
	"github.com/2029ijones-sudo/FireOS/internal/config"
	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/engines"
	"github.com/2029ijones-sudo/FireOS/internal/intake"
	"github.com/2029ijones-sudo/FireOS/internal/intelligence"
	"github.com/2029ijones-sudo/FireOS/internal/report"
	"github.com/2029ijones-sudo/FireOS/internal/scan"
	"github.com/2029ijones-sudo/FireOS/internal/store"
	"github.com/2029ijones-sudo/FireOS/internal/trust"
)

var version = api.Version

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:     "packgate",
		Short:   "Packgate - package intake and verification pipeline",
		Long:    "Accepts untrusted package uploads, inspects and deduplicates them, and runs multi-engine security scans before publication.",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			if verbose {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(ingestCmd(&configPath))
	rootCmd.AddCommand(scanCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// pipeline bundles the wired components for one process.
type pipeline struct {
	cfg          *config.Config
	meta         store.MetadataStore
	blobs        store.ContentStore
	service      *intake.Service
	orchestrator *scan.Orchestrator
	queue        *intake.Queue
	auditLog     *audit.Log
}

func buildPipeline(configPath string) (*pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	meta, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "packages.db"))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if err := meta.Init(); err != nil {
		return nil, fmt.Errorf("init metadata store: %w", err)
	}
	blobs, err := store.NewFSBlobStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	threatDB := intelligence.NewThreatDB()
	if cfg.Scan.ThreatFeed != "" {
		if err := threatDB.LoadFeed(cfg.Scan.ThreatFeed); err != nil {
			log.WithError(err).Warn("Threat feed not loaded")
		} else {
			log.WithField("entries", threatDB.Count()).Info("Threat feed loaded")
		}
	}
	for _, hash := range cfg.Scan.BadCertHashes {
		threatDB.AddBadCert(hash)
	}

	verifier := trust.NewVerifier()
	if cfg.Trust.KeyringPath != "" {
		if err := verifier.LoadKeyringFile(cfg.Trust.KeyringPath); err != nil {
			log.WithError(err).Warn("Publisher keyring not loaded")
		} else {
			log.WithField("keys", verifier.KeyCount()).Info("Publisher keyring loaded")
		}
	}

	engineList := []engines.Engine{
		engines.NewSignatureScanner(threatDB),
		engines.NewReputationLookup(cfg.Scan.ReputationURL, cfg.Scan.EngineTimeout),
		engines.NewRuleMatcher(cfg.Scan.RulesDir),
		engines.NewHeuristicAnalyzer(cfg.Scan, threatDB),
	}

	notifier := alert.NewWebhookNotifier(cfg.Alert.WebhookURL, cfg.Alert.Timeout)
	orchestrator := scan.New(engineList, meta, blobs, notifier,
		cfg.Scan.EngineTimeout, cfg.Scan.MinEnginesResponded)

	auditLog := audit.NewLog()
	queue := intake.NewQueue(cfg.Scan.QueueDepth, cfg.Scan.JobRetries)
	service := intake.NewService(cfg.Archive, meta, blobs, verifier, queue, auditLog)

	return &pipeline{
		cfg:          cfg,
		meta:         meta,
		blobs:        blobs,
		service:      service,
		orchestrator: orchestrator,
		queue:        queue,
		auditLog:     auditLog,
	}, nil
}

func serveCmd(configPath *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the package intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer p.meta.Close()

			addr := p.cfg.ListenAddr
			if listenAddr != "" {
				addr = listenAddr
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			p.queue.Start(ctx, p.cfg.Scan.Workers, p.orchestrator)
			defer p.queue.Stop()

			server := api.NewServer(p.service, p.orchestrator, p.meta, p.blobs,
				p.auditLog, p.cfg.Archive.MaxPackageBytes)
			log.WithFields(log.Fields{
				"addr":    addr,
				"workers": p.cfg.Scan.Workers,
			}).Info("Starting packgate API server")
			return server.Start(addr)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	return cmd
}

func ingestCmd(configPath *string) *cobra.Command {
	var (
		manifestPath string
		summaryOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <archive>",
		Short: "Ingest one package archive and scan it synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer p.meta.Close()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}
			manifestJSON, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}

			ctx := cmd.Context()
			pkg, err := p.service.Ingest(ctx, raw, manifestJSON)
			if err != nil {
				if core.IsKind(err, core.ErrDuplicatePackage) && pkg != nil {
					fmt.Printf("Content already ingested as %s\n", pkg.ID)
					return nil
				}
				return fmt.Errorf("ingest failed: %w", err)
			}
			log.WithField("package_id", pkg.ID).Info("Package ingested")

			if _, err := p.orchestrator.Scan(ctx, pkg.ID); err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			return printPackage(p.meta, pkg.ID, summaryOnly)
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Path to the manifest JSON file")
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "Print the verdict summary instead of the full report")
	cmd.MarkFlagRequired("manifest")
	return cmd
}

func scanCmd(configPath *string) *cobra.Command {
	var summaryOnly bool

	cmd := &cobra.Command{
		Use:   "scan <package-id>",
		Short: "Re-run the scan engines for a stored package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildPipeline(*configPath)
			if err != nil {
				return err
			}
			defer p.meta.Close()

			if _, err := p.orchestrator.Scan(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			return printPackage(p.meta, args[0], summaryOnly)
		},
	}

	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "Print the verdict summary instead of the full report")
	return cmd
}

func printPackage(meta store.MetadataStore, packageID string, summaryOnly bool) error {
	pkg, err := meta.FindByID(packageID)
	if err != nil {
		return err
	}
	if pkg == nil {
		return fmt.Errorf("package %s not found", packageID)
	}
	var out string
	if summaryOnly {
		out, err = report.GenerateJSONSummary(pkg)
	} else {
		out, err = report.GenerateJSONReport(pkg)
	}
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
