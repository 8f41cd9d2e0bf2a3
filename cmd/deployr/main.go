package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/deployr/internal/lifecycle"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand())
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand around c.
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.global)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	root.AddCommand(
		createHookCommand(c),
		createDeployCommand(c),
		createRollbackCommand(c),
		createCheckInitCommand(c),
		createStepCommand(c, "install-init", "Render and install the init script unconditionally", lifecycle.StepInstallInit),
		createStepCommand(c, "install-packages", "Install npm packages into the shared directory and link them", lifecycle.StepInstallPackages),
		createStepCommand(c, "start", "Start the service through its init script", lifecycle.StepStart),
		createStepCommand(c, "stop", "Stop the service through its init script", lifecycle.StepStop),
		createStepCommand(c, "restart", "Restart the service through its init script", lifecycle.StepRestart),
		createStepCommand(c, "reload", "Reload the service through its init script", lifecycle.StepReload),
		createStatusCommand(c),
		createRenderInitCommand(c),
		createContextCommand(c),
		createTemplateCommand(c),
		createHistoryCommand(c),
		createServeCommand(c),
		createTriggerCommand(c),
		createTokenCommand(c),
		createVersionCommand(c),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
// shared by every subcommand.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "deployr",
		Short: "Deploy Node.js services behind a generated init script",
		Long: `Deployr prepares release directories, keeps an LSB init script in sync
on the target host, installs npm packages and drives the service through
its init script. Commands run over SSH unless --local is given.

Examples:
  deployr deploy --set release_path=/srv/api/releases/20240101000000
  deployr hook post-rollback
  deployr check-init --dry-run
  deployr status
  deployr serve                      # webhook server for CI`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags.bind(root.PersistentFlags())
	return root
}

func createHookCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:       "hook <pre-deploy|post-update|post-rollback>",
		Short:     "Run the steps attached to a deployment event",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"pre-deploy", "post-update", "post-rollback"},
		Long: `Run the pipeline for one deployment event:

  pre-deploy     create_release_dir, check_init_config
  post-update    install_packages, restart
  post-rollback  restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Hook(cmd.Context(), args[0])
		},
	}
}

func createDeployCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Run pre-deploy then post-update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Deploy(cmd.Context())
		},
	}
}

func createRollbackCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Run the post-rollback steps (restart)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Rollback(cmd.Context())
		},
	}
}

func createCheckInitCommand(c *command) *cobra.Command {
	f := &CheckInitFlags{}
	cmd := &cobra.Command{
		Use:   "check-init",
		Short: "Install the init script when it is missing or differs",
		Long: `Compare the installed init script with the rendered one by checksum and
install it only when it is missing or different. A fresh install starts
the service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CheckInit(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.DryRun, "dry-run", false, "only report whether the script would change")
	return cmd
}

func createStepCommand(c *command, use, short string, step lifecycle.StepName) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Steps(cmd.Context(), step)
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the service status reported by the init script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createRenderInitCommand(c *command) *cobra.Command {
	f := &RenderInitFlags{}
	cmd := &cobra.Command{
		Use:   "render-init",
		Short: "Print the init script for the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RenderInit(*f)
		},
	}
	cmd.Flags().StringVarP(&f.Out, "out", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

func createContextCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Print the resolved deployment context as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Context()
		},
	}
}

func createTemplateCommand(c *command) *cobra.Command {
	f := &TemplateFlags{}
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write a starter deployr.toml",
		Long: `Write a starter configuration.

Types:
  ssh    deploy over SSH (default)
  local  run on this machine
  full   SSH plus logging, history, metrics and the hook server

Examples:
  deployr template
  deployr template --type=full --name=api --output=deploy/deployr.toml
  deployr template --output=-     # print to stdout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Template(*f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "ssh", "template type: ssh, local, full")
	cmd.Flags().StringVar(&f.Name, "name", "", "application name (default: current directory name)")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output file (default: deployr.toml, - for stdout)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent deployment events from the history sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the lifecycle as an HTTP hook server",
		Long: `Start an HTTP server that runs lifecycle pipelines on request.

Endpoints (under server.base_path, default /api):
  POST /hooks/:event     pre-deploy | post-update | post-rollback
  POST /service/:verb    start | stop | restart | reload
  GET  /service/status
  GET  /init-script
  GET  /history
  GET  /metrics          (outside base_path, when metrics.enabled)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

func createTriggerCommand(c *command) *cobra.Command {
	f := &TriggerFlags{}
	cmd := &cobra.Command{
		Use:       "trigger <event|verb|status>",
		Short:     "Call a running hook server",
		Args:      cobra.ExactArgs(1),
		ValidArgs: triggerActions,
		Long: `Ask a deployr hook server to run a pipeline or a service verb.
Used from CI where only HTTP reaches the target.

Examples:
  deployr trigger post-update --server https://app1:8080/api --ca-cert tls_ca.crt
  DEPLOYR_SERVER=http://app1:8080/api deployr trigger status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Trigger(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.Server, "server", "", "hook server base URL including the base path (env DEPLOYR_SERVER)")
	cmd.Flags().StringVar(&f.Token, "token", "", "bearer token (env DEPLOYR_TOKEN)")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an HTTPS server")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "request timeout (default 15m)")
	return cmd
}

func createTokenCommand(c *command) *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a hook server token signed with server.jwt_secret",
		Long: `Issue an HS256 token accepted by the hook server.

Scopes limit what the token may call; without --scope it may call everything.
  hooks    POST /hooks/:event
  service  POST /service/:verb
  read     status, init script, history, process

Examples:
  deployr token --subject ci --scope hooks --ttl 720h
  deployr token --subject grafana --scope read`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Token(*f)
		},
	}
	cmd.Flags().StringVar(&f.Subject, "subject", "ci", "who the token is for")
	cmd.Flags().DurationVar(&f.TTL, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&f.Scopes, "scope", nil, "hooks, service, read (repeatable)")
	return cmd
}

func createVersionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			c.Version()
		},
	}
}
