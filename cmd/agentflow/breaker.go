package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rendis/agentflow/internal/service"
)

func newBreakerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breakers",
	}
	cmd.AddCommand(newBreakerStatusCmd(c), newBreakerResetCmd(c))
	return cmd
}

func newBreakerStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show breaker and limiter health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.client().SystemHealth(cmd.Context())
			if err != nil {
				return err
			}
			p := c.printer()
			if ok, err := p.emitJSON(h); ok {
				return err
			}
			if h.Status == service.HealthHealthy {
				p.success("system %s", h.Status)
			} else {
				p.warn("system %s", h.Status)
			}

			names := make([]string, 0, len(h.CircuitBreakers))
			for name := range h.CircuitBreakers {
				names = append(names, name)
			}
			sort.Strings(names)
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				st := h.CircuitBreakers[name]
				rows = append(rows, []string{
					name, st.State,
					fmt.Sprintf("%d/%d", st.FailureCount, st.FailureThreshold),
					fmt.Sprintf("%.0fs", st.RecoveryTimeout),
				})
			}
			p.table([]string{"BREAKER", "STATE", "FAILURES", "RECOVERY"}, rows)
			fmt.Fprintln(p.w)

			names = names[:0]
			for name := range h.Limiters {
				names = append(names, name)
			}
			sort.Strings(names)
			rows = rows[:0]
			for _, name := range names {
				st := h.Limiters[name]
				rows = append(rows, []string{
					name,
					fmt.Sprintf("%d/%d", st.Current, st.Max),
					fmt.Sprint(st.Waiting),
				})
			}
			p.table([]string{"LIMITER", "IN USE", "WAITING"}, rows)

			for _, r := range h.Recommendations {
				p.info("→ %s", r)
			}
			return nil
		},
	}
}

func newBreakerResetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [name]",
		Short: "Force a circuit breaker closed (default openai_api)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			res, err := c.client().ResetBreaker(cmd.Context(), name)
			if err != nil {
				return err
			}
			p := c.printer()
			if ok, err := p.emitJSON(res); ok {
				return err
			}
			p.success("%s", res.Message)
			return nil
		},
	}
}
