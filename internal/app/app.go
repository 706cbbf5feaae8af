// Package app holds the billtracker command line: the long-running server and
// a few one-shot commands for operators.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"billtracker/internal/classifier"
	"billtracker/internal/config"
	"billtracker/internal/events"
	"billtracker/internal/httpx"
	"billtracker/internal/integrations/llm"
	"billtracker/internal/metrics"
	"billtracker/internal/storage/sqlite"
	"billtracker/internal/taxonomy"
	"billtracker/internal/workflow"

	"github.com/spf13/cobra"
)

const appName = "billtracker"

// Version is set at build time with -ldflags "-X billtracker/internal/app.Version=...".
var Version = "dev"

func Main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Track legislative bills through their procedural stages",
		Long: `billtracker keeps each tracked bill at one stage of the legislative
pipeline. Members propose stage changes, approvers confirm them, and status
text scraped from legislature sites is classified into proposals.

Running without a subcommand starts the server.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configPath != "" {
				os.Setenv("CONFIG_PATH", configPath)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default config.yaml or $CONFIG_PATH)")

	cmd.AddCommand(
		serveCmd(),
		classifyCmd(),
		batchCmd(),
		boardCmd(),
		stagesCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runtime is everything a command needs from config, opened once.
type runtime struct {
	cfg     config.Config
	tax     *taxonomy.Taxonomy
	db      *sql.DB
	metrics *metrics.Metrics
	nats    *events.NATSPublisher
	llm     *llm.Classifier
}

func open() (*runtime, error) {
	cfg := config.LoadConfig()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	tax := taxonomy.MustLoad(cfg.TaxonomyPath)
	log.Printf(
		"Config loaded. Stages=%d Classifier=%s LLMProvider=%s Confidence=%.2f BatchWidth=%d Admins=%d Supervisors=%d Timezone=%s ExternalHTTPTimeout=%s",
		len(tax.Stages()),
		cfg.ClassifierProvider,
		cfg.LLMProvider,
		cfg.LLMConfidence,
		cfg.ClassifierBatchWidth,
		len(cfg.AdminSlackIDs),
		len(cfg.Supervisors),
		cfg.Timezone,
		appliedHTTPTimeout,
	)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	log.Printf("Database initialized at %s", cfg.DBPath)

	return &runtime{cfg: cfg, tax: tax, db: db, metrics: metrics.New()}, nil
}

func (rt *runtime) Close() {
	if rt.nats != nil {
		rt.nats.Close()
	}
	if rt.llm != nil {
		u := rt.llm.Usage()
		log.Printf("llm usage input=%d output=%d total=%d", u.InputTokens, u.OutputTokens, u.TotalTokens())
	}
	rt.db.Close()
}

// connectEvents dials NATS when a URL is configured. A failed connection is
// logged and the process runs without push updates.
func (rt *runtime) connectEvents() events.Publisher {
	if strings.TrimSpace(rt.cfg.NATSURL) == "" {
		log.Println("Event publishing disabled (nats_url not set)")
		return events.Noop{}
	}
	pub, err := events.Connect(rt.cfg.NATSURL)
	if err != nil {
		log.Printf("NATS connect error: %v, continuing without events", err)
		return events.Noop{}
	}
	rt.nats = pub
	log.Printf("Publishing events to %s", rt.cfg.NATSURL)
	return pub
}

func (rt *runtime) buildClassifier() (classifier.Classifier, error) {
	var base classifier.Classifier
	switch rt.cfg.ClassifierProvider {
	case config.ClassifierLLM:
		c, err := llm.New(llm.Config{
			Provider:        rt.cfg.LLMProvider,
			Model:           rt.cfg.LLMModel,
			AnthropicAPIKey: rt.cfg.AnthropicAPIKey,
			OpenAIAPIKey:    rt.cfg.OpenAIAPIKey,
			ExampleCount:    rt.cfg.LLMExampleCount,
			ExampleMaxLen:   rt.cfg.LLMExampleMaxLen,
		}, rt.tax, llm.NewDBHistory(rt.db))
		if err != nil {
			return nil, err
		}
		rt.llm = c
		base = c
	default:
		var rules []classifier.Rule
		if path := strings.TrimSpace(rt.cfg.ClassifierRulesPath); path != "" {
			loaded, err := classifier.LoadRuleFile(path, rt.tax)
			if err != nil {
				return nil, err
			}
			log.Printf("Loaded %d classifier rules from %s", len(loaded), path)
			rules = loaded
		}
		base = classifier.NewRuleEngine(rt.tax,
			classifier.WithRules(rules...),
			classifier.WithLocation(rt.cfg.Location),
		)
	}
	log.Printf("Classifier provider=%s", rt.cfg.ClassifierProvider)
	return classifier.WithRetry(base, rt.cfg.RetryPolicy(), nil), nil
}

func (rt *runtime) service(pub events.Publisher) (*workflow.Service, error) {
	c, err := rt.buildClassifier()
	if err != nil {
		return nil, err
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return workflow.NewService(rt.db, rt.tax,
		workflow.WithClassifier(c),
		workflow.WithConfidenceThreshold(rt.cfg.LLMConfidence),
		workflow.WithEvents(pub),
		workflow.WithMetrics(rt.metrics),
	), nil
}
