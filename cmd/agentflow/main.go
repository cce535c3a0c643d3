package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/agentflow/internal/client"
	"github.com/rendis/agentflow/internal/logging"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// commandFlagKeys maps per-command flags to config keys. They are bound
// for the executing command only, since several commands share a flag name.
var commandFlagKeys = map[string]string{
	"listen": "listen_addr",
	"db":     "db_path",
}

// cli carries the state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configFile string
	jsonOut    bool
	cfg        Config
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:   "agentflow",
		Short: "agentflow - resilient research, qualification and outreach workflows",
		Long: `agentflow runs multi-step LLM workflows behind a concurrency limiter,
a circuit breaker and quality gates, and streams every run as an event log.

Examples:
  # Start the HTTP API and scheduler
  agentflow serve

  # Serve the MCP tools over stdio
  agentflow mcp

  # Store a workflow and run it
  agentflow workflow create -f lead.yaml
  agentflow run <workflow-id> --input company=Acme --follow`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			for name, key := range commandFlagKeys {
				if f := cmd.Flags().Lookup(name); f != nil {
					_ = c.v.BindPFlag(key, f)
				}
			}
			cfg, err := loadConfig(c.v, c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default ~/.agentflow/settings.yaml)")
	flags.StringP("server", "s", "", "agentflow server URL for client commands")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.BoolVarP(&c.jsonOut, "json", "j", false, "print JSON output")
	_ = c.v.BindPFlag("server_url", flags.Lookup("server"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(
		newServeCmd(c),
		newMCPCmd(c),
		newRunCmd(c),
		newTailCmd(c),
		newStatusCmd(c),
		newWorkflowCmd(c),
		newBreakerCmd(c),
		newVersionCmd(c),
	)
	return root
}

func (c *cli) logger(w io.Writer) *slog.Logger {
	return logging.NewLogger(w, c.cfg.LogFormat, logging.ParseLevel(c.cfg.LogLevel))
}

func (c *cli) client() *client.Client {
	return client.New(c.cfg.ServerURL)
}

func (c *cli) printer() printer {
	return printer{w: c.out, json: c.jsonOut}
}
