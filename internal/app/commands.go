package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"billtracker/internal/api"
	"billtracker/internal/batch"
	"billtracker/internal/events"
	slackbot "billtracker/internal/integrations/slack"
	"billtracker/internal/nudge"
	"billtracker/internal/overlay"
	"billtracker/internal/scheduler"
	"billtracker/internal/taxonomy"

	"github.com/araddon/dateparse"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
)

const (
	autoClassifyTimeout = 30 * time.Minute
	shutdownTimeout     = 10 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the Slack bot and the schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// boardFeed applies every event this process publishes to the local board
// before handing it on, so the board is current with or without NATS.
type boardFeed struct {
	board *overlay.Reconciler
	src   overlay.Source
	next  events.Publisher
}

func (f *boardFeed) Publish(ctx context.Context, ev events.Event) error {
	f.apply(ctx, ev)
	return f.next.Publish(ctx, ev)
}

func (f *boardFeed) apply(ctx context.Context, ev events.Event) {
	if f.board.ApplyEvent(ev) || f.src == nil {
		return
	}
	if err := f.board.Reload(ctx, f.src); err != nil {
		log.Printf("board reload error: %v", err)
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	rt, err := open()
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	board := overlay.NewReconciler(rt.tax)
	feed := &boardFeed{board: board, next: rt.connectEvents()}
	svc, err := rt.service(feed)
	if err != nil {
		return err
	}
	feed.src = svc
	if err := board.Reload(ctx, svc); err != nil {
		return err
	}

	if rt.nats != nil {
		sub, err := events.Subscribe(rt.nats.Conn(), func(ev events.Event) {
			feed.apply(ctx, ev)
		})
		if err != nil {
			log.Printf("NATS subscribe error: %v", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	server := api.NewServer(svc, cfg,
		api.WithMetrics(rt.metrics),
		api.WithBoard(board),
		api.WithLocation(cfg.Location),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP API listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var notify func(context.Context, string)
	if cfg.SlackConfigured() {
		slackAPI := slack.New(
			cfg.SlackBotToken,
			slack.OptionAppLevelToken(cfg.SlackAppToken),
		)
		bot := slackbot.New(cfg, svc, slackAPI, slackbot.WithBoard(board))
		go func() {
			log.Println("Starting Slack bot...")
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("Slack bot error: %v", err)
			}
		}()
		nudge.Start(ctx, cfg, slackAPI, svc)

		if cfg.ReportChannelID != "" {
			notify = func(_ context.Context, summary string) {
				_, _, err := slackAPI.PostMessage(cfg.ReportChannelID, slack.MsgOptionText(
					"Auto-classify complete: "+summary, false))
				if err != nil {
					log.Printf("auto-classify post error: %v", err)
				}
			}
		}
	} else {
		log.Println("Slack not configured, bot and nudges disabled")
	}

	auto := scheduler.NewAutoClassifier(svc,
		scheduler.WithBatchOptions(
			batch.WithWidth(cfg.ClassifierBatchWidth),
			batch.WithPause(cfg.BatchPause()),
			batch.WithMarkers(board),
			batch.WithMetrics(rt.metrics),
		),
		scheduler.WithNotify(notify),
	)
	cron, err := scheduler.ScheduleAutoClassify(ctx, auto, cfg.AutoClassifySchedule, cfg.Location, autoClassifyTimeout)
	if err != nil {
		log.Printf("%v, auto-classify disabled", err)
	}
	if cron != nil {
		defer cron.Stop()
	}

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	auto.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func classifyCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "classify BILL STATUS_TEXT...",
		Short: "Preview how status text would be classified for a bill",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()
			svc, err := rt.service(nil)
			if err != nil {
				return err
			}

			var observed time.Time
			if at != "" {
				observed, err = dateparse.ParseIn(at, rt.cfg.Location)
				if err != nil {
					return fmt.Errorf("invalid --at %q: %w", at, err)
				}
			}
			bill, err := svc.FindBill(ctx, args[0])
			if err != nil {
				return err
			}
			res, decision, err := svc.Preview(ctx, bill.ID, strings.Join(args[1:], " "), observed)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Bill:       %s (%s)\n", bill.Number, rt.tax.Title(bill.CurrentStage))
			fmt.Fprintf(out, "Stage:      %s (%s)\n", res.Stage, rt.tax.Title(res.Stage))
			fmt.Fprintf(out, "Confidence: %.2f\n", res.Confidence)
			fmt.Fprintf(out, "Reasoning:  %s\n", res.Reasoning)
			switch {
			case res.Stage == bill.CurrentStage:
				fmt.Fprintln(out, "Outcome:    unchanged")
			case decision.Accepted:
				fmt.Fprintln(out, "Outcome:    allowed transition")
			default:
				fmt.Fprintf(out, "Outcome:    would be flagged (%s)\n", decision.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Observation date (default now)")
	return cmd
}

func batchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Classify every pending status observation once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()
			svc, err := rt.service(rt.connectEvents())
			if err != nil {
				return err
			}

			auto := scheduler.NewAutoClassifier(svc,
				scheduler.WithLimit(limit),
				scheduler.WithBatchOptions(
					batch.WithWidth(rt.cfg.ClassifierBatchWidth),
					batch.WithPause(rt.cfg.BatchPause()),
					batch.WithMetrics(rt.metrics),
				),
			)
			report, err := auto.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), scheduler.FormatSummary(report))
			for _, it := range report.Items {
				if it.Err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  bill=%d observation=%d %s: %v\n",
						it.Observation.BillID, it.Observation.ID, it.Status, it.Err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", scheduler.DefaultLimit, "Maximum observations to classify")
	return cmd
}

func boardCmd() *cobra.Command {
	var (
		width int
		text  bool
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Print the pipeline board with pending proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open()
			if err != nil {
				return err
			}
			defer rt.Close()
			svc, err := rt.service(nil)
			if err != nil {
				return err
			}
			cards, err := overlay.Cards(cmd.Context(), rt.tax, svc, nil)
			if err != nil {
				return err
			}
			if text {
				fmt.Fprintln(cmd.OutOrStdout(), overlay.FormatBoardText(rt.tax, cards))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), overlay.RenderBoard(rt.tax, cards, width))
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", 80, "Box width, 0 for unwrapped")
	cmd.Flags().BoolVar(&text, "text", false, "Plain text instead of boxes")
	return cmd
}

func stagesCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the stage taxonomy in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			tax, err := taxonomy.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStages(tax))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "Taxonomy YAML (default built-in)")
	return cmd
}

func formatStages(tax *taxonomy.Taxonomy) string {
	var b strings.Builder
	for i, s := range tax.Stages() {
		var tags []string
		if s.Scheduled {
			tags = append(tags, "scheduled")
		}
		if s.Completes != "" {
			tags = append(tags, "completes "+s.Completes)
		}
		if s.Exempt {
			tags = append(tags, "exempt")
		}
		fmt.Fprintf(&b, "%2d  %-34s %-12s %s", i, s.ID, s.Zone, s.Title)
		if len(tags) > 0 {
			fmt.Fprintf(&b, "  [%s]", strings.Join(tags, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
