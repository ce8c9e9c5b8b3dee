package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/devpad/devpad/internal/jobmanager"
	"github.com/devpad/devpad/internal/relay"
)

type cli struct {
	client *client
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	var server string

	command := &cobra.Command{
		Use:          "devctl",
		Short:        "CLI for interacting with the devserver orchestrator",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.client = newClient(server)
		},
	}

	command.AddCommand(
		c.buildCmd(),
		c.launchCmd(),
		c.createCmd(),
		c.statusCmd(),
		c.listCmd(),
		c.logsCmd(),
		c.cancelCmd(),
		c.watchCmd(),
		c.resourcesCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&server,
		"server",
		"localhost:7070",
		"devserver host:port",
	)

	return command
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	env := make(map[string]string, len(pairs))

	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid KEY=VALUE pair %q", pair)
		}

		env[k] = v
	}

	return env, nil
}

// addSpawnFlags registers the flags shared by commands that spawn a process.
// Interspersed parsing is disabled so flags intended for the spawned command
// itself are passed through as-is.
func addSpawnFlags(flags *pflag.FlagSet, dir *string, env *[]string) {
	flags.SetInterspersed(false)

	flags.StringVar(dir, "dir", "", "Working directory for the command")
	flags.StringArrayVar(env, "env", nil, "Extra KEY=VALUE environment entries")
}

func (c *cli) buildCmd() *cobra.Command {
	var (
		dir string
		env []string
	)

	command := &cobra.Command{
		Use:     "build [flags] TARGET COMMAND [ARGS]",
		Short:   "Submit a build job",
		Example: "  devctl build my_app make all",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			envMap, err := parseEnv(env)
			if err != nil {
				return err
			}

			id, err := c.client.submit(cmd.Context(), jobmanager.KindBuild, jobmanager.Params{
				Target:  args[0],
				Command: args[1],
				Args:    args[2:],
				Dir:     dir,
				Env:     envMap,
			})
			if err != nil {
				return err
			}

			cmd.OutOrStdout().Write([]byte(id + "\n"))

			return nil
		},
	}

	addSpawnFlags(command.Flags(), &dir, &env)

	return command
}

func (c *cli) launchCmd() *cobra.Command {
	var (
		dir          string
		env          []string
		port         int
		display      bool
		readyPattern string
	)

	command := &cobra.Command{
		Use:     "launch [flags] TARGET COMMAND [ARGS]",
		Short:   "Submit a launch job and print its id",
		Example: "  devctl launch my_app npm start",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			envMap, err := parseEnv(env)
			if err != nil {
				return err
			}

			id, err := c.client.submit(cmd.Context(), jobmanager.KindLaunch, jobmanager.Params{
				Target:       args[0],
				Command:      args[1],
				Args:         args[2:],
				Dir:          dir,
				Env:          envMap,
				Port:         port,
				NeedsDisplay: display,
				ReadyPattern: readyPattern,
			})
			if err != nil {
				return err
			}

			cmd.OutOrStdout().Write([]byte(id + "\n"))

			return nil
		},
	}

	addSpawnFlags(command.Flags(), &dir, &env)

	command.Flags().IntVar(&port, "port", 0, "Preferred port (0 for any free port)")
	command.Flags().BoolVar(&display, "display", false, "Lease a virtual display number")
	command.Flags().StringVar(&readyPattern, "ready-pattern", "", "Regexp marking the server ready when matched in output")

	return command
}

func (c *cli) createCmd() *cobra.Command {
	var (
		dir  string
		vars []string
	)

	command := &cobra.Command{
		Use:     "create [flags] TARGET TEMPLATE",
		Short:   "Create a project from a template",
		Example: "  devctl create my_app go-web --dir ./my_app --var name=my_app",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			varMap, err := parseEnv(vars)
			if err != nil {
				return err
			}

			id, err := c.client.submit(cmd.Context(), jobmanager.KindTemplateCreate, jobmanager.Params{
				Target:   args[0],
				Template: args[1],
				Dir:      dir,
				Vars:     varMap,
			})
			if err != nil {
				return err
			}

			cmd.OutOrStdout().Write([]byte(id + "\n"))

			return nil
		},
	}

	command.Flags().StringVar(&dir, "dir", "", "Output directory for the generated project")
	command.Flags().StringArrayVar(&vars, "var", nil, "Template variable KEY=VALUE")

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status JOB_ID",
		Short:   "Query status of a job",
		Example: "  devctl status 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := c.client.get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "KIND\tTARGET\tSTATUS\tPROGRESS\tERROR\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%s\t%d%%\t%s\t\n",
				snapshot.Kind,
				snapshot.Target,
				snapshot.Status,
				snapshot.Progress,
				snapshot.Error,
			)

			w.Flush()

			if snapshot.Result != nil && snapshot.Result.URL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "url: %s\n", snapshot.Result.URL)
			}

			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var status, kind string

	command := &cobra.Command{
		Use:   "list [flags]",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots, err := c.client.list(cmd.Context(), status, kind)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "ID\tKIND\tTARGET\tSTATUS\tPROGRESS\tCREATED\t\n")

			for _, s := range snapshots {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%s\t%d%%\t%s\t\n",
					s.ID,
					s.Kind,
					s.Target,
					s.Status,
					s.Progress,
					s.CreatedAt.Format(time.RFC3339),
				)
			}

			return w.Flush()
		},
	}

	command.Flags().StringVar(&status, "status", "", "Filter by status")
	command.Flags().StringVar(&kind, "kind", "", "Filter by kind")

	return command
}

func (c *cli) logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "logs JOB_ID",
		Short:   "Stream the log of a job",
		Example: "  devctl logs 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.client.logs(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel JOB_ID",
		Short:   "Request cancellation of a job",
		Example: "  devctl cancel 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client.cancel(cmd.Context(), args[0]); err != nil {
				return err
			}

			cmd.OutOrStdout().Write([]byte("cancellation requested\n"))

			return nil
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch [JOB_ID]",
		Short:   "Stream live events for one job or all jobs",
		Example: "  devctl watch",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := relay.FilterAll
			if len(args) == 1 {
				filter = args[0]
			}

			out := cmd.OutOrStdout()

			return c.client.watch(cmd.Context(), filter, func(event relay.Event) {
				switch event.Type {
				case relay.TypeLog:
					fmt.Fprintf(out, "%s [%s] %s\n", shortID(event.JobID), event.Stream, event.Message)
				case relay.TypeProgress:
					fmt.Fprintf(out, "%s progress %d%%\n", shortID(event.JobID), event.Progress)
				case relay.TypeStatus:
					fmt.Fprintf(out, "%s status %s\n", shortID(event.JobID), event.Status)
				case relay.TypeReady:
					fmt.Fprintf(out, "%s ready at %s\n", shortID(event.JobID), event.URL)
				}
			})
		},
	}
}

func (c *cli) resourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Show the lease table and reachability of each lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.resources(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "KIND\tVALUE\tOWNER\tACQUIRED\tREACHABLE\t\n")

			for _, lease := range resp.Leases {
				fmt.Fprintf(
					w,
					"%s\t%d\t%s\t%s\t%t\t\n",
					lease.Kind,
					lease.Value,
					lease.Owner,
					lease.AcquiredAt.Format(time.RFC3339),
					lease.Reachable,
				)
			}

			w.Flush()

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"free: %d ports, %d displays\n",
				resp.FreePorts,
				resp.FreeDisplays,
			)

			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
