package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		pairs      []string
		inputsJSON string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Start a run of a stored workflow",
		Example: `  agentflow run wf-123 --input company=Acme --input website=https://acme.io --follow
  agentflow run wf-123 --inputs '{"company":"Acme"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputs(inputsJSON, pairs)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := c.printer()
			ref, err := c.client().CreateRun(ctx, args[0], inputs)
			if err != nil {
				p.errorf("run not started: %v", err)
				return err
			}
			if !follow {
				if ok, err := p.emitJSON(ref); ok {
					return err
				}
				p.success("run %s started (%s)", ref.ID, ref.Status)
				return nil
			}
			if !p.json {
				p.success("run %s started", ref.ID)
			}
			return c.follow(ctx, ref.ID, 0)
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "input", "i", nil, "run input as key=value (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "run inputs as a JSON object")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the run log until it ends")
	return cmd
}

func newTailCmd(c *cli) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Stream a run's event log until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.follow(ctx, args[0], since)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "resume after this event sequence number")
	return cmd
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the state and output of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := c.client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c.printRun(run)
			return nil
		},
	}
}

// follow streams runID's log and prints the final run state.
func (c *cli) follow(ctx context.Context, runID string, since int64) error {
	p := c.printer()
	cl := c.client()
	err := cl.TailRun(ctx, runID, since, func(env store.Envelope) error {
		if p.json {
			_, err := p.emitJSON(env)
			return err
		}
		p.logLine(env)
		return nil
	})
	if err != nil {
		return err
	}
	if p.json {
		return nil
	}
	run, err := cl.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	c.printRun(run)
	return nil
}

func (c *cli) printRun(run *store.Run) {
	p := c.printer()
	if ok, _ := p.emitJSON(run); ok {
		return
	}
	fmt.Fprintf(p.w, "Run:      %s\n", run.ID)
	fmt.Fprintf(p.w, "Workflow: %s\n", run.WorkflowID)
	fmt.Fprint(p.w, "Status:   ")
	statusColor(run.Status).Fprintln(p.w, run.Status)
	if run.Error != "" {
		p.errorf("%s", run.Error)
	}
	if run.Output == nil {
		return
	}
	if run.Output.StopReason != "" {
		p.warn("stopped: %s", run.Output.StopReason)
	}
	if q := run.Output.Qualification; q != nil {
		p.info("qualification: %s (score %d)", q.Decision, q.Score)
	}
	for _, step := range run.Output.Steps {
		p.info("--- step %d (%s)", step.Index, step.Kind)
		fmt.Fprintln(p.w, step.Text)
	}
}

// parseInputs merges a JSON object with key=value pairs; pairs win.
func parseInputs(inputsJSON string, pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	if strings.TrimSpace(inputsJSON) != "" {
		if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "--inputs must be a JSON object").WithCause(err)
		}
		if inputs == nil {
			inputs = map[string]any{}
		}
	}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "--input %q must be key=value", pair)
		}
		inputs[strings.TrimSpace(k)] = v
	}
	return inputs, nil
}
