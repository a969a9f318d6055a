package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tandem/internal/app"
	"tandem/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the store to role processes over MCP",
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		Long: `Start the MCP server on stdio.

Tools: get_plan, list_tasks, get_task, get_context, add_fact, add_decision,
update_task_status, request_review. Plan and task ids default to
TANDEM_PLAN_ID and TANDEM_SUBTASK_ID, which 'tandem session launch' sets.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				srv := mcp.NewServer(p.Engine, mcp.DefaultsFromEnv(), version, p.Logger)
				if err := srv.Run(ctx); err != nil {
					return fmt.Errorf("running MCP server: %w", err)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(serve)
	return cmd
}
