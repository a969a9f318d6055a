package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tandem/internal/app"
	"tandem/internal/domain"
	"tandem/internal/engine"
)

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
		Long:  "A plan is the planner's approved intent. It moves pending -> approved -> running -> complete and can be cancelled until it finishes.",
	}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planTransitionCmd("approve", "Approve a pending plan", domain.PlanApproved))
	plan.AddCommand(planTransitionCmd("start", "Mark a plan as running", domain.PlanRunning))
	plan.AddCommand(planTransitionCmd("complete", "Mark a plan as complete", domain.PlanComplete))
	plan.AddCommand(planTransitionCmd("cancel", "Cancel a plan", domain.PlanCancelled))
	return plan
}

func planCreateCmd() *cobra.Command {
	var opts engine.PlanCreateOptions
	var foreman bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				plan, err := p.Engine.CreatePlan(ctx, opts)
				if err != nil {
					return err
				}
				if foreman {
					if _, err := p.Engine.CreateForemanTask(ctx, plan.ID, ""); err != nil {
						return err
					}
				}
				return printJSONOrTable(plan)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "plan id (generated if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&opts.SubtasksPreview, "subtask", nil, "expected subtask title (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Considerations, "consideration", nil, "risk or constraint to keep in mind (repeatable)")
	cmd.Flags().BoolVar(&foreman, "with-foreman", false, "also create the plan's foreman task")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				plan, err := p.Engine.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := p.Engine.GetTasksForPlan(ctx, plan.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"plan": plan, "tasks": tasks})
				}
				fmt.Printf("Plan: %s (%s)\n", plan.ID, plan.Status)
				fmt.Printf("Title: %s\n", plan.Title)
				if plan.Description != "" {
					fmt.Printf("Description: %s\n", plan.Description)
				}
				if plan.ApprovedAt != nil {
					fmt.Printf("Approved: %s\n", plan.ApprovedAt.Format("2006-01-02 15:04:05Z07:00"))
				}
				for _, c := range plan.Considerations {
					fmt.Printf("  ! %s\n", c)
				}
				if len(tasks) == 0 {
					fmt.Println("Tasks: none")
					return nil
				}
				children := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID == nil {
						roots = append(roots, t)
						continue
					}
					children[*t.ParentID] = append(children[*t.ParentID], t)
				}
				fmt.Println("Tasks:")
				for i, t := range roots {
					printTaskTree(t, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
}

func planListCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				plans, err := p.Engine.GetAllPlans(ctx)
				if active {
					plans, err = p.Engine.GetActivePlans(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Created"})
				for _, plan := range plans {
					tw.AppendRow(table.Row{plan.ID, plan.Title, plan.Status, plan.CreatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", false, "only approved or running plans")
	return cmd
}

func planTransitionCmd(use, short string, to domain.PlanStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				plan, err := p.Engine.TransitionPlan(ctx, args[0], to)
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	extra := ""
	if t.AssignedWorker != nil {
		extra = " @" + *t.AssignedWorker
	}
	if len(t.DependsOn) > 0 {
		extra += " after " + strings.Join(t.DependsOn, ",")
	}
	fmt.Printf("%s%s%s %s [%s]%s\n", prefix, connector, domain.TaskLeaf(t.ID), t.Title, t.Status, extra)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
