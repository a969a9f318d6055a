package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tandem/internal/app"
	"tandem/internal/domain"
	"tandem/internal/engine"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Each plan has one foreman task; subtasks hang under it and are numbered per parent. Tasks move pending -> running -> complete | failed.",
	}
	task.AddCommand(taskForemanCmd())
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskTransitionCmd("start", "Mark a task as running", domain.TaskRunning))
	task.AddCommand(taskTransitionCmd("complete", "Mark a task as complete", domain.TaskComplete))
	task.AddCommand(taskTransitionCmd("fail", "Mark a task as failed", domain.TaskFailed))
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskGraphCmd())
	return task
}

func taskForemanCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "foreman <plan-id>",
		Short: "Create the foreman task of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				t, err := p.Engine.CreateForemanTask(ctx, args[0], title)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title (defaults to the plan title)")
	return cmd
}

func taskAddCmd() *cobra.Command {
	var opts engine.SubtaskCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a subtask",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				t, err := p.Engine.CreateSubtask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PlanID, "plan", "", "plan id")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id (defaults to the foreman task)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", nil, "task id this one waits for (repeatable)")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var children bool
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task, or with --children its direct subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				t, err := p.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if !children {
					return printJSONOrTable(t)
				}
				kids, err := p.Engine.GetChildTasks(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(kids)
			})
		},
	}
	cmd.Flags().BoolVar(&children, "children", false, "list the task's direct subtasks instead")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <plan-id>",
		Short: "List the tasks of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter domain.TaskStatus
			if status != "" {
				s, err := domain.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				filter = s
			}
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				all, err := p.Engine.GetTasksForPlan(ctx, args[0])
				if err != nil {
					return err
				}
				tasks := []domain.Task{}
				for _, t := range all {
					if filter == "" || t.Status == filter {
						tasks = append(tasks, t)
					}
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Worker", "Depends on"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.TaskType, t.Title, t.Status, deref(t.AssignedWorker), len(t.DependsOn)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskTransitionCmd(use, short string, to domain.TaskStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				t, err := p.Engine.TransitionTask(ctx, args[0], to)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var worker, worktree string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Record the worker and worktree of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				t, err := p.Engine.AssignWorker(ctx, args[0], worker, worktree)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker name, usually its session name")
	cmd.Flags().StringVar(&worktree, "worktree", "", "worktree path")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func taskGraphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <plan-id>",
		Short: "Check depends_on references and cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, p *app.Project) error {
				report, err := p.Engine.CheckTaskGraph(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Plan %s: %d tasks\n", report.PlanID, report.Tasks)
				if report.OK() {
					fmt.Println("graph ok")
					return nil
				}
				for _, c := range report.Cycles {
					fmt.Printf("cycle: %v\n", c)
				}
				for _, d := range report.Dangling {
					fmt.Printf("dangling: %s depends on unknown %s\n", d.TaskID, d.DependsOn)
				}
				for _, d := range report.CrossPlan {
					fmt.Printf("cross-plan: %s depends on %s of plan %s\n", d.TaskID, d.DependsOn, d.OtherPlan)
				}
				return nil
			})
		},
	}
}
