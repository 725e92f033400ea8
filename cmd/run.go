// File: cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/automation"
	"github.com/xkilldash9x/certidao-cli/internal/observability"
)

type runOptions struct {
	dataFile    string
	propertyID  int64
	requesterID int64
	timeout     time.Duration
	headless    bool
}

// newRunCmd creates the interactive `run` command.
func newRunCmd() *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run <certificate-id>",
		Short: "Issues one certificate, pausing for CAPTCHAs on the terminal",
		Long: `Runs a certificate definition in a browser window. When the portal shows a
CAPTCHA the run pauses; solve it in the browser and press Enter to continue.
Ctrl+C cancels the run. The protocol number is printed on stdout.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			hasData := opts.dataFile != ""
			hasIDs := cmd.Flags().Changed("property-id")
			if hasData == hasIDs {
				return errors.New("exactly one of --data or --property-id is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}
			if cmd.Flags().Changed("timeout") {
				cfg.SetAutomationRunTimeout(opts.timeout)
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()

			prompts := make(chan schemas.ProgressEvent, 4)
			reporter := automation.MultiReporter{
				automation.NewLogReporter(logger),
				automation.ReporterFunc(func(_ context.Context, ev schemas.ProgressEvent) {
					if ev.Type == schemas.EventWaitingForUser {
						select {
						case prompts <- ev:
						default:
						}
					}
				}),
			}

			// Components outlive the signal context so a cancelled run can
			// still be recorded.
			c, err := initializeComponents(context.WithoutCancel(ctx), cfg, logger, automation.WithReporter(reporter))
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer c.Shutdown()

			data, err := loadRunData(ctx, opts, c.DataSource)
			if err != nil {
				return err
			}

			runID, err := c.Runner.Start(ctx, args[0], data, automation.StartOptions{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %s started.\n", runID)

			final, err := superviseRun(ctx, c.Runner, runID, prompts, cmd.InOrStdin(), cmd.ErrOrStderr(), logger)
			if err != nil {
				return err
			}
			return reportOutcome(cmd.OutOrStdout(), final)
		},
	}

	runCmd.Flags().StringVar(&opts.dataFile, "data", "", "YAML file with the data context (owner, property, user groups)")
	runCmd.Flags().Int64Var(&opts.propertyID, "property-id", 0, "load the data context from the brokerage database")
	runCmd.Flags().Int64Var(&opts.requesterID, "requester-id", 0, "user requesting the certificate (with --property-id)")
	runCmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "overall run timeout (overrides automation.run_timeout)")
	runCmd.Flags().BoolVar(&opts.headless, "headless", false, "run the browser without a window")
	return runCmd
}

// runController is the part of the runner the supervisor drives.
type runController interface {
	Resume(runID string) error
	Cancel(runID string) error
	Wait(ctx context.Context, runID string) (schemas.RunState, error)
}

// superviseRun relays CAPTCHA pauses to the terminal until the run ends.
// Enter resumes a paused run; ctx cancellation cancels it.
func superviseRun(ctx context.Context, runner runController, runID string, prompts <-chan schemas.ProgressEvent, in io.Reader, out io.Writer, logger *zap.Logger) (schemas.RunState, error) {
	type outcome struct {
		state schemas.RunState
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		st, err := runner.Wait(context.Background(), runID)
		done <- outcome{st, err}
	}()

	// The reader goroutine may stay blocked on stdin until the process exits.
	stop := make(chan struct{})
	defer close(stop)
	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-stop:
				return
			}
		}
	}()

	interrupted := ctx.Done()
	for {
		select {
		case ev := <-prompts:
			msg := ev.Message
			if msg == "" {
				msg = "Solve the CAPTCHA in the browser."
			}
			fmt.Fprintf(out, "\n%s\nPress Enter to continue...\n", msg)

		case <-lines:
			if err := runner.Resume(runID); err != nil {
				if !errors.Is(err, schemas.ErrInvalidState) {
					return schemas.RunState{}, err
				}
				logger.Debug("Enter ignored; run is not waiting", zap.Error(err))
			}

		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(out, "\nCancelling run...")
			if err := runner.Cancel(runID); err != nil && !errors.Is(err, schemas.ErrInvalidState) {
				return schemas.RunState{}, err
			}

		case res := <-done:
			return res.state, res.err
		}
	}
}

// reportOutcome prints the protocol of a successful run, or returns its error.
func reportOutcome(out io.Writer, st schemas.RunState) error {
	if st.Status == schemas.StatusSucceeded {
		_, err := fmt.Fprintln(out, st.Protocol)
		return err
	}
	if st.LastError != nil {
		return fmt.Errorf("run %s failed at step %d (%s): %s", st.RunID, st.LastError.StepIndex, st.LastError.Kind, st.LastError.Message)
	}
	return fmt.Errorf("run %s ended with status %s", st.RunID, st.Status)
}

// loadRunData reads the data context from --data or from the brokerage database.
func loadRunData(ctx context.Context, opts runOptions, ds schemas.DataSource) (schemas.DataContext, error) {
	if opts.dataFile == "" {
		if ds == nil {
			return nil, errors.New("--property-id requires database.driver postgres")
		}
		return ds.LoadDataContext(ctx, opts.propertyID, opts.requesterID)
	}
	f, err := os.Open(opts.dataFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()
	return decodeDataContext(f)
}

func decodeDataContext(r io.Reader) (schemas.DataContext, error) {
	var raw map[string]map[string]interface{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse data file: %w", err)
	}
	dc := make(schemas.DataContext, len(raw))
	for group, fields := range raw {
		if fields == nil {
			fields = map[string]interface{}{}
		}
		dc[schemas.DataGroup(group)] = fields
	}
	return dc, nil
}
