package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/agentflow/pkg/schema"
)

func newWorkflowCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage stored workflows",
	}
	cmd.AddCommand(
		newWorkflowCreateCmd(c),
		newWorkflowListCmd(c),
		newWorkflowGetCmd(c),
		newWorkflowDeleteCmd(c),
	)
	return cmd
}

func newWorkflowCreateCmd(c *cli) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create -f <file>",
		Short: "Store a workflow defined in a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := readDefinition(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			p := c.printer()
			res, err := c.client().CreateWorkflow(cmd.Context(), *def)
			if err != nil {
				p.errorf("workflow rejected: %v", err)
				return err
			}
			if ok, err := p.emitJSON(res); ok {
				return err
			}
			p.success("workflow %s created (%s)", res.Name, res.ID)
			for _, w := range res.Warnings {
				p.warn("%s: %s", w.Path, w.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newWorkflowListCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wfs, err := c.client().ListWorkflows(cmd.Context(), limit)
			if err != nil {
				return err
			}
			p := c.printer()
			if ok, err := p.emitJSON(wfs); ok {
				return err
			}
			if len(wfs) == 0 {
				p.info("no workflows")
				return nil
			}
			rows := make([][]string, 0, len(wfs))
			for _, wf := range wfs {
				kinds := make([]string, len(wf.Definition.Steps))
				for i, s := range wf.Definition.Steps {
					kinds[i] = string(s.Kind)
				}
				trigger := "manual"
				if t := wf.Definition.Trigger; t != nil && t.Type == schema.TriggerTypeCron {
					trigger = "cron " + t.Schedule
				}
				rows = append(rows, []string{wf.ID, wf.Name, strings.Join(kinds, " > "), trigger, wf.UpdatedAt.Format("2006-01-02 15:04")})
			}
			p.table([]string{"ID", "NAME", "STEPS", "TRIGGER", "UPDATED"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum workflows to list")
	return cmd
}

func newWorkflowGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <workflow-id>",
		Short: "Print a stored workflow as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := c.client().GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p := c.printer()
			if ok, err := p.emitJSON(wf); ok {
				return err
			}
			p.info("# %s (%s)", wf.Name, wf.ID)
			enc := yaml.NewEncoder(p.w)
			enc.SetIndent(2)
			if err := enc.Encode(wf.Definition); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newWorkflowDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow and its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().DeleteWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.printer().success("workflow %s deleted", args[0])
			return nil
		},
	}
}

// readDefinition decodes a workflow file. YAML is a superset of JSON, so one
// decoder covers both.
func readDefinition(path string, stdin io.Reader) (*schema.WorkflowDefinition, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition file is empty")
	}

	var def schema.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid definition").WithCause(err)
	}
	return &def, nil
}
