// wardenctl is the operator CLI. It works directly against the project
// registry and the container manager, no daemon required.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/projectwarden/warden/internal/ask"
	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/docker"
	"github.com/projectwarden/warden/internal/supervisor"
)

// env bundles everything a command needs.
type env struct {
	cfg      *config.Config
	registry *config.Registry
	sup      *supervisor.Supervisor
	asker    *ask.Runner
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	registry := config.LoadRegistry(cfg.RegistryPath(), logger)
	mgr := docker.NewManager(docker.Config{
		Bin:            cfg.DockerBin,
		Workers:        cfg.ManagerWorkers,
		CommandTimeout: cfg.CommandTimeout,
	}, logger)

	return &env{
		cfg:      cfg,
		registry: registry,
		sup:      supervisor.New(registry, mgr, cfg.AskLogTail, logger),
		asker:    ask.NewRunner(registry, mgr, cfg.AskMaxWait, cfg.AskPollInterval, cfg.AskLogTail, logger),
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Operate warden-supervised projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		addCmd(),
		removeCmd(),
		toggleCmd("enable", true),
		toggleCmd("disable", false),
		listCmd(),
		statusCmd(),
		lifecycleCmd("start", "Start a project's worker", (*supervisor.Supervisor).Start),
		lifecycleCmd("pause", "Pause a running worker", (*supervisor.Supervisor).Pause),
		lifecycleCmd("resume", "Resume a paused worker", (*supervisor.Supervisor).Resume),
		lifecycleCmd("stop", "Stop a running or paused worker", (*supervisor.Supervisor).Stop),
		askCmd(),
		batchCmd("start-all", "Start every enabled project that has never been started", (*supervisor.Supervisor).StartAll),
		batchCmd("pause-all", "Pause every running project", (*supervisor.Supervisor).PauseAll),
		batchCmd("stop-all", "Stop every running or paused project", (*supervisor.Supervisor).StopAll),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func addCmd() *cobra.Command {
	var container, image string
	var runArgs []string
	cmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Register a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			name, path := args[0], args[1]
			if container == "" {
				container = name
			}
			p := config.Project{
				Name:          name,
				Path:          path,
				ContainerName: container,
				Image:         image,
				RunArgs:       runArgs,
			}
			if err := e.registry.Add(p); err != nil {
				return err
			}
			fmt.Printf("Added %s (%s)\n", name, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&container, "container", "", "container name (defaults to the project name)")
	cmd.Flags().StringVar(&image, "image", "", "image the worker container is created from")
	cmd.Flags().StringArrayVar(&runArgs, "run-arg", nil, "extra argument for container creation (repeatable)")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			if err := e.registry.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		},
	}
}

func toggleCmd(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <name>",
		Short: capitalize(name) + " a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			if err := e.registry.SetEnabled(args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("%sd %s\n", capitalize(name), args[0])
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			projects := e.registry.List()
			if len(projects) == 0 {
				fmt.Println("No projects registered.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tCONTAINER\tPATH")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", p.Name, p.Enabled, p.ContainerName, p.Path)
			}
			return w.Flush()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show project status (all projects when no name is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var statuses []supervisor.Status
			if len(args) == 1 {
				st, err := e.sup.Status(ctx, args[0])
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			} else {
				statuses = e.sup.StatusAll(ctx)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tSTATE\tPROGRESS\tCPU\tMEM\tUPTIME\tACTIVITY")
			for _, st := range statuses {
				progress := "-"
				if st.Progress.Total > 0 {
					progress = fmt.Sprintf("%d/%d", st.Progress.Current, st.Progress.Total)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%.0fMB\t%s\t%s\n",
					st.Project, st.State, progress, st.CPUPercent, st.MemoryMB,
					orDash(st.Uptime), orDash(st.LastActivity))
			}
			return w.Flush()
		},
	}
}

func lifecycleCmd(name, short string, op func(*supervisor.Supervisor, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			if err := op(e.sup, cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s: %s ok\n", args[0], name)
			return nil
		},
	}
}

func batchCmd(name, short string, op func(*supervisor.Supervisor, context.Context) []supervisor.CommandResult) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			for _, res := range op(e.sup, cmd.Context()) {
				mark := "ok"
				if !res.OK {
					mark = "FAILED"
				}
				fmt.Printf("%-20s %s  %s\n", res.Project, mark, res.Detail)
			}
			return nil
		},
	}
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <name> <question>",
		Short: "Ask a project a one-off question via a disposable worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			fmt.Printf("Asking %s (may take up to %s)...\n", args[0], e.cfg.AskMaxWait)
			res, err := e.asker.Run(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			switch res.Reason {
			case ask.ReasonTimeout:
				fmt.Println("No answer: the worker did not finish in time.")
			default:
				fmt.Println(res.Answer)
			}
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
