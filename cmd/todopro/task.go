package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/jobs"
	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Add a task",
	Long: `Add a task to the selected context.

The due date accepts natural language ("tomorrow 9am", "next friday") or
a plain date (2026-09-15). Without arguments an interactive form opens.

Examples:
  todopro task add "buy milk"
  todopro task add "file taxes" --due "next monday" --priority 4
  todopro task add "call mom" --project personal --label family`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		task := model.NewTask(strings.Join(args, " "))
		if len(args) == 0 {
			if err := taskForm(task); err != nil {
				return err
			}
		}

		if flagTaskDesc != "" {
			task.Description = flagTaskDesc
		}
		if flagTaskPriority != 0 {
			task.Priority = flagTaskPriority
		}
		if flagTaskDue != "" {
			due, err := parseDue(flagTaskDue)
			if err != nil {
				return err
			}
			task.DueAt = due
		}
		if flagTaskProject != "" {
			project, err := findProject(ctx, repo, flagTaskProject)
			if err != nil {
				return err
			}
			task.ProjectID = project.ID
		}
		for _, name := range flagTaskLabels {
			label, err := findLabel(ctx, repo, name)
			if err != nil {
				return err
			}
			task.LabelIDs = append(task.LabelIDs, label.ID)
		}

		created, err := repo.Create(ctx, task)
		if err != nil {
			return err
		}
		fmt.Printf("Added task %s\n", shortID(created.EntityID()))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		filter := store.Filter{Priority: flagTaskPriority}
		if !flagListAll {
			completed := false
			filter.Completed = &completed
		}
		if flagTaskProject != "" {
			project, err := findProject(ctx, repo, flagTaskProject)
			if err != nil {
				return err
			}
			filter.ProjectID = project.ID
		}
		if len(flagTaskLabels) > 0 {
			label, err := findLabel(ctx, repo, flagTaskLabels[0])
			if err != nil {
				return err
			}
			filter.LabelID = label.ID
		}

		tasks, err := repo.GetAll(ctx, model.KindTask, filter)
		if err != nil {
			return err
		}
		labels, err := labelIndex(ctx, repo)
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println(dimStyle.Render("No tasks."))
			return nil
		}
		for _, e := range tasks {
			fmt.Println(renderTask(e.(*model.Task), labels))
		}
		return nil
	},
}

var taskDoneCmd = &cobra.Command{
	Use:   "done <id>...",
	Short: "Complete one or more tasks",
	Long: `Complete tasks. Completions run on background workers so a long
list finishes in parallel; the command waits for confirmation before
exiting.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		runner := jobs.New(repo, jobs.Config{
			Workers: 4,
			Logger:  newLogger(m, "[jobs] "),
		})
		runner.Start()
		defer runner.Stop()

		queued := 0
		for _, arg := range args {
			task, err := findTask(ctx, repo, arg)
			if err != nil {
				return err
			}
			if err := runner.CompleteAsync(task.ID); err != nil {
				return err
			}
			queued++
		}
		runner.Flush()

		// Confirm against the store before reporting success.
		done := 0
		for _, arg := range args {
			task, err := findTask(ctx, repo, arg)
			if err != nil {
				return err
			}
			if task.Completed {
				done++
			}
		}
		if done < queued {
			return fmt.Errorf("completed %d of %d tasks; rerun for the rest", done, queued)
		}
		fmt.Printf("Completed %d task(s)\n", done)
		return nil
	},
}

var taskRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		task, err := findTask(ctx, repo, args[0])
		if err != nil {
			return err
		}
		if !flagYes {
			ok, err := confirm(fmt.Sprintf("Delete task %q?", task.Content))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if err := repo.SoftDelete(ctx, model.KindTask, task.ID, task.Version); err != nil {
			return err
		}
		fmt.Printf("Deleted task %s\n", shortID(task.ID))
		return nil
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		task, err := findTask(ctx, repo, args[0])
		if err != nil {
			return err
		}
		edited := task.Clone().(*model.Task)
		if cmd.Flags().Changed("content") {
			edited.Content = flagTaskContent
		}
		if cmd.Flags().Changed("desc") {
			edited.Description = flagTaskDesc
		}
		if cmd.Flags().Changed("priority") {
			edited.Priority = flagTaskPriority
		}
		if cmd.Flags().Changed("due") {
			if flagTaskDue == "" {
				edited.DueAt = nil
			} else {
				due, err := parseDue(flagTaskDue)
				if err != nil {
					return err
				}
				edited.DueAt = due
			}
		}
		if cmd.Flags().Changed("project") {
			project, err := findProject(ctx, repo, flagTaskProject)
			if err != nil {
				return err
			}
			edited.ProjectID = project.ID
		}
		edited.Touch()

		if _, err := repo.Update(ctx, edited, task.Version); err != nil {
			return err
		}
		fmt.Printf("Updated task %s\n", shortID(task.ID))
		return nil
	},
}

var (
	flagTaskContent  string
	flagTaskDesc     string
	flagTaskProject  string
	flagTaskLabels   []string
	flagTaskPriority int
	flagTaskDue      string
	flagListAll      bool
	flagYes          bool
)

func init() {
	taskAddCmd.Flags().StringVar(&flagTaskDesc, "desc", "", "longer description")
	taskAddCmd.Flags().StringVarP(&flagTaskProject, "project", "p", "", "project name or id")
	taskAddCmd.Flags().StringArrayVarP(&flagTaskLabels, "label", "l", nil, "label name or id (repeatable)")
	taskAddCmd.Flags().IntVar(&flagTaskPriority, "priority", 0, "priority 1 (lowest) to 4 (urgent)")
	taskAddCmd.Flags().StringVar(&flagTaskDue, "due", "", "due date, natural language or YYYY-MM-DD")

	taskListCmd.Flags().StringVarP(&flagTaskProject, "project", "p", "", "only tasks in this project")
	taskListCmd.Flags().StringArrayVarP(&flagTaskLabels, "label", "l", nil, "only tasks carrying this label")
	taskListCmd.Flags().IntVar(&flagTaskPriority, "priority", 0, "only tasks with this priority")
	taskListCmd.Flags().BoolVarP(&flagListAll, "all", "a", false, "include completed tasks")

	taskRmCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation")

	taskEditCmd.Flags().StringVar(&flagTaskContent, "content", "", "new content")
	taskEditCmd.Flags().StringVar(&flagTaskDesc, "desc", "", "new description")
	taskEditCmd.Flags().StringVarP(&flagTaskProject, "project", "p", "", "move to project")
	taskEditCmd.Flags().IntVar(&flagTaskPriority, "priority", 0, "new priority")
	taskEditCmd.Flags().StringVar(&flagTaskDue, "due", "", "new due date (empty clears it)")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskDoneCmd, taskRmCmd, taskEditCmd)
	rootCmd.AddCommand(taskCmd)
}

// taskForm collects task fields interactively.
func taskForm(task *model.Task) error {
	priority := strconv.Itoa(task.Priority)
	var due string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Task").Value(&task.Content).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("content must not be empty")
				}
				return nil
			}),
		huh.NewText().Title("Description").Lines(3).Value(&task.Description),
		huh.NewSelect[string]().Title("Priority").
			Options(
				huh.NewOption("p1 (lowest)", "1"),
				huh.NewOption("p2", "2"),
				huh.NewOption("p3", "3"),
				huh.NewOption("p4 (urgent)", "4"),
			).Value(&priority),
		huh.NewInput().Title("Due (optional)").Placeholder("tomorrow 9am").Value(&due),
	))
	if err := form.Run(); err != nil {
		return err
	}
	task.Priority, _ = strconv.Atoi(priority)
	if due != "" {
		parsed, err := parseDue(due)
		if err != nil {
			return err
		}
		task.DueAt = parsed
	}
	return nil
}

func confirm(title string) (bool, error) {
	ok := false
	err := huh.NewConfirm().Title(title).Value(&ok).Run()
	return ok, err
}

// parseDue understands natural language first, plain dates second.
func parseDue(s string) (*time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	if r, err := w.Parse(s, time.Now()); err == nil && r != nil {
		t := r.Time
		return &t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("cannot parse due date %q", s)
}

// findTask resolves a full or shortened task id.
func findTask(ctx context.Context, repo store.Repository, arg string) (*model.Task, error) {
	if e, err := repo.GetByID(ctx, model.KindTask, arg); err == nil {
		return e.(*model.Task), nil
	}
	tasks, err := repo.GetAll(ctx, model.KindTask, store.Filter{})
	if err != nil {
		return nil, err
	}
	var match *model.Task
	for _, e := range tasks {
		t := e.(*model.Task)
		if strings.HasPrefix(t.ID, arg) {
			if match != nil {
				return nil, fmt.Errorf("task id %q is ambiguous", arg)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no task matching %q", arg)
	}
	return match, nil
}

func findProject(ctx context.Context, repo store.Repository, arg string) (*model.Project, error) {
	if e, err := repo.GetByID(ctx, model.KindProject, arg); err == nil {
		return e.(*model.Project), nil
	}
	projects, err := repo.GetAll(ctx, model.KindProject, store.Filter{})
	if err != nil {
		return nil, err
	}
	for _, e := range projects {
		p := e.(*model.Project)
		if strings.EqualFold(p.Name, arg) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no project matching %q", arg)
}

func findLabel(ctx context.Context, repo store.Repository, arg string) (*model.Label, error) {
	if e, err := repo.GetByID(ctx, model.KindLabel, arg); err == nil {
		return e.(*model.Label), nil
	}
	labels, err := repo.GetAll(ctx, model.KindLabel, store.Filter{})
	if err != nil {
		return nil, err
	}
	for _, e := range labels {
		l := e.(*model.Label)
		if strings.EqualFold(l.Name, arg) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("no label matching %q", arg)
}

func labelIndex(ctx context.Context, repo store.Repository) (map[string]*model.Label, error) {
	labels, err := repo.GetAll(ctx, model.KindLabel, store.Filter{})
	if err != nil {
		return nil, err
	}
	index := make(map[string]*model.Label, len(labels))
	for _, e := range labels {
		l := e.(*model.Label)
		index[l.ID] = l
	}
	return index, nil
}
