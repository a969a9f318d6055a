package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"tandem/internal/app"
	"tandem/internal/domain"
	"tandem/internal/session"
)

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Launch and drive role sessions",
		Long:  "Foreman, worker and reviewer processes run in detached terminal sessions named <prefix>-<role>-<plan>[-<task>].",
	}
	s.AddCommand(sessionLaunchCmd())
	s.AddCommand(sessionNameCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionExistsCmd())
	s.AddCommand(sessionSendCmd())
	s.AddCommand(sessionCaptureCmd())
	s.AddCommand(sessionKillCmd())
	s.AddCommand(sessionAttachCmd())
	return s
}

func sessionLaunchCmd() *cobra.Command {
	var req session.LaunchRequest
	var role string
	var env []string
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start a role process in a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			req.Role = r
			if req.Env, err = parseEnv(env); err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				name, err := p.Launch(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"session": name})
				}
				fmt.Println(name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "foreman, worker or reviewer")
	cmd.Flags().StringVar(&req.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&req.TaskID, "task", "", "subtask id (workers only)")
	cmd.Flags().StringVar(&req.Command, "command", "", "command to run in the session")
	cmd.Flags().StringVar(&req.Dir, "dir", "", "working directory (defaults to the project root)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "extra KEY=VALUE environment (repeatable)")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func sessionNameCmd() *cobra.Command {
	var role, planID, taskID string
	cmd := &cobra.Command{
		Use:   "name",
		Short: "Print the session name of a role instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				name, err := p.Sessions.Name(r, planID, taskID)
				if err != nil {
					return err
				}
				fmt.Println(name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "foreman, worker or reviewer")
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&taskID, "task", "", "subtask id")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the sessions owned by this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				names, err := p.Sessions.Owned(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(names)
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			})
		},
	}
}

func sessionExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <session>",
		Short: "Exit non-zero when the session does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				ok, err := p.Sessions.Exists(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"exists": ok})
				}
				if !ok {
					return fmt.Errorf("session %s does not exist", args[0])
				}
				fmt.Println("exists")
				return nil
			})
		},
	}
}

func sessionSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <session> <text>",
		Short: "Type text into a session and press Enter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				return p.Sessions.Send(ctx, args[0], args[1])
			})
		},
	}
}

func sessionCaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture <session>",
		Short: "Print the visible contents of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				out, err := p.Sessions.Capture(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func sessionKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				return p.Sessions.Kill(ctx, args[0])
			})
		},
	}
}

func sessionAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session>",
		Short: "Attach this terminal to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("attach needs an interactive terminal; use 'tandem session capture' instead")
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				return p.Sessions.Attach(ctx, args[0])
			})
		},
	}
}
