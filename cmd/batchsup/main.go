package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/merge"
	"github.com/osvaldoandrade/batchsup/internal/reportstore"
	"github.com/osvaldoandrade/batchsup/internal/supervisor"
	"github.com/osvaldoandrade/batchsup/pkg/app"
	"github.com/osvaldoandrade/batchsup/pkg/auth"
	"github.com/osvaldoandrade/batchsup/pkg/auth/hs256"
	"github.com/osvaldoandrade/batchsup/pkg/config"
	"github.com/osvaldoandrade/batchsup/pkg/student"
	_ "github.com/osvaldoandrade/batchsup/pkg/student/passthrough" // Register the passthrough student

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func main() {
	ui := newUI()
	root := &cobra.Command{
		Use:           "batchsup",
		Short:         "Batch supervisor",
		Long:          "batchsup partitions input files across worker processes, supervises them and publishes one merged result.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(ui), newStudentCmd(), newMergeCmd(ui), newReportCmd(ui), newTokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err)
		os.Exit(1)
	}
}

func newRunCmd(ui *ui) *cobra.Command {
	var (
		cfgPath string
		kind    string
		output  string
		files   []string
		workers int
		grid    bool
		noQueue bool
		control string
	)
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a batch",
		Example: "batchsup run --student passthrough --output skim --workers 4 data/*.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigOptional(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flags := cmd.Flags()
			if flags.Changed("student") {
				cfg.Student = kind
			}
			if flags.Changed("output") {
				cfg.OutputName = output
			}
			if flags.Changed("files") {
				cfg.Files = files
			}
			if len(args) > 0 {
				cfg.Files = append(cfg.Files, args...)
			}
			if flags.Changed("workers") {
				cfg.Workers = workers
			}
			if flags.Changed("grid") {
				cfg.GridMode = grid
			}
			if flags.Changed("no-queue") {
				q := !noQueue
				cfg.QueueMode = &q
			}
			if flags.Changed("control-addr") {
				cfg.ControlAddr = control
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			application, err := app.NewApplication(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer scancel()
				_ = application.Shutdown(sctx)
			}()
			if err := application.StartControl(); err != nil {
				return err
			}
			sup := application.Supervisor

			// The run redirects os.Stderr into its log; console output keeps
			// the original file.
			console := os.Stderr

			// First signal aborts the run, the second cancels it outright.
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				if _, ok := <-sigCh; !ok {
					return
				}
				fmt.Fprintln(console, ui.warn("[WARN]"), "Aborting...")
				sup.Abort()
				if _, ok := <-sigCh; ok {
					cancel()
				}
			}()

			fmt.Fprintf(console, "%s %s %s\n", ui.title("batchsup"), cfg.Student, ui.dim("run "+sup.RunID()))
			stopProgress := func() {}
			if isTerminal(console) {
				stopProgress = watchProgress(sup, console)
			}
			out, err := sup.Run(ctx)
			stopProgress()

			if errors.Is(err, supervisor.ErrAborted) {
				if out != nil {
					fmt.Fprintf(console, "%s Aborted: %d workers spawned, nothing published\n", ui.warn("[WARN]"), out.Spawned)
				}
				return err
			}
			if err != nil {
				return err
			}
			printOutcome(ui, out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", getenv("BATCHSUP_CONFIG_PATH", ""), "Config file (YAML)")
	f.StringVar(&kind, "student", "", "Student kind")
	f.StringVar(&output, "output", "", "Output name")
	f.StringSliceVar(&files, "files", nil, "Comma-separated input files")
	f.IntVar(&workers, "workers", 0, "Worker count (0 = host cores)")
	f.BoolVar(&grid, "grid", false, "Grid mode: one worker, no queue, no normalization")
	f.BoolVar(&noQueue, "no-queue", false, "Deal files round-robin instead of feeding a queue")
	f.StringVar(&control, "control-addr", "", "Serve the control API on this address")
	return cmd
}

// watchProgress renders a bar over finished workers while supervising and a
// spinner while publishing.
func watchProgress(sup *supervisor.Supervisor, console *os.File) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var bar *progressbar.ProgressBar
		var spin *spinner.Spinner
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		defer func() {
			if bar != nil {
				_ = bar.Finish()
			}
			if spin != nil {
				spin.Stop()
			}
		}()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			st := sup.Status()
			switch st.Phase {
			case supervisor.PhaseSupervising:
				if bar == nil && st.Workers > 0 {
					bar = progressbar.NewOptions(st.Workers,
						progressbar.OptionSetWriter(console),
						progressbar.OptionSetDescription("Workers"),
						progressbar.OptionSetWidth(24),
						progressbar.OptionShowCount(),
						progressbar.OptionClearOnFinish(),
					)
				}
				if bar != nil {
					_ = bar.Set(st.Spawned - st.Live)
				}
			case supervisor.PhasePublishing:
				if bar != nil {
					_ = bar.Finish()
					bar = nil
				}
				if spin == nil {
					spin = spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(console))
					spin.Suffix = " Publishing..."
					spin.Start()
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func printOutcome(ui *ui, out *supervisor.Outcome) {
	fmt.Printf("%s %d/%d workers kept, %d discarded\n", ui.ok("[OK]"), out.Collected, out.Spawned, out.Discarded)
	if out.Report == nil {
		fmt.Println(ui.info("[INFO]"), "No results to publish")
		return
	}
	fmt.Printf("%s Events: %d in, %d out\n", ui.info("[INFO]"), out.Report.Event.Total(), out.Report.Event.Final())
	fmt.Println(out.Report.Event.String())
	if len(out.Report.Object) > 0 {
		fmt.Println(out.Report.Object.String())
	}
	if out.LogFile != "" {
		fmt.Println(ui.dim("log: " + out.LogFile))
	}
}

func newStudentCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "student",
		Short:  "Run one worker (spawned by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := student.SpecFromEnv()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return supervisor.RunWorker(ctx, spec)
		},
	}
}

func newMergeCmd(ui *ui) *cobra.Command {
	var (
		output  string
		command string
		weight  float64
		total   int64
	)
	cmd := &cobra.Command{
		Use:     "merge [parts...]",
		Short:   "Merge partial artifacts into one",
		Example: "batchsup merge --output skim.json skim_0.json skim_1.json --weight 12.5 --total-events 1000",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errors.New("--output is required")
			}
			m := merge.New(strings.Fields(command))
			if err := m.Merge(cmd.Context(), output, args); err != nil {
				return err
			}
			if cmd.Flags().Changed("weight") {
				if total <= 0 {
					return errors.New("--total-events must be positive when --weight is set")
				}
				rw, ok := m.(merge.Reweighter)
				if !ok {
					rw = merge.ArtifactMerger{}
				}
				if err := rw.Reweight(output, weight/float64(total)); err != nil {
					return err
				}
			}
			fmt.Printf("%s Merged %d parts into %s\n", ui.ok("[OK]"), len(args), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Final artifact path")
	cmd.Flags().StringVar(&command, "command", "", "External merge command, called as `command final parts...`")
	cmd.Flags().Float64Var(&weight, "weight", 1, "File set weight")
	cmd.Flags().Int64Var(&total, "total-events", 0, "Total events read, for normalization")
	return cmd
}

func newReportCmd(ui *ui) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report <path>",
		Short: "Print a persisted cut-flow report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := reportstore.ReadFile(args[0])
			if err != nil {
				return err
			}
			switch format {
			case "yaml":
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(doc)
			case "table", "":
				fmt.Println(ui.title("event"))
				fmt.Println(doc.Event.String())
				fmt.Println(ui.title("object"))
				fmt.Println(doc.Object.String())
				return nil
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|yaml")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a control API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required (or set BATCHSUP_CONTROL_SECRET)")
			}
			tok, err := hs256.Issue(secret, subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("BATCHSUP_CONTROL_SECRET"), "Shared control secret")
	cmd.Flags().StringVar(&subject, "subject", getenv("USER", "operator"), "Token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeStatus, auth.ScopeAbort}, "Granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
