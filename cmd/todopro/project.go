package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		project := model.NewProject(args[0])
		project.Description = flagProjectDesc
		project.Color = flagProjectColor
		project.Favorite = flagProjectFavorite

		created, err := repo.Create(context.Background(), project)
		if err != nil {
			return err
		}
		fmt.Printf("Added project %q (%s)\n", project.Name, shortID(created.EntityID()))
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List projects with task counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		projects, err := repo.GetAll(ctx, model.KindProject, store.Filter{})
		if err != nil {
			return err
		}
		open := false
		tasks, err := repo.GetAll(ctx, model.KindTask, store.Filter{Completed: &open})
		if err != nil {
			return err
		}
		counts := make(map[string]int)
		for _, e := range tasks {
			counts[e.(*model.Task).ProjectID]++
		}

		for _, e := range projects {
			p := e.(*model.Project)
			if p.Archived && !flagListAll {
				continue
			}
			name := p.Name
			if p.Favorite {
				name = "★ " + name
			}
			if p.Archived {
				name = dimStyle.Render(name + " (archived)")
			}
			fmt.Printf("%s  %s %s\n", name,
				dimStyle.Render(fmt.Sprintf("%d open", counts[p.ID])),
				dimStyle.Render(shortID(p.ID)))
		}
		return nil
	},
}

var projectArchiveCmd = &cobra.Command{
	Use:   "archive <name|id>",
	Short: "Archive a project",
	Long: `Archive a project so it stops showing up in listings. Its tasks are
kept; unarchive with --undo.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		project, err := findProject(ctx, repo, args[0])
		if err != nil {
			return err
		}
		edited := project.Clone().(*model.Project)
		edited.Archived = !flagProjectUndo
		edited.Touch()
		if _, err := repo.Update(ctx, edited, project.Version); err != nil {
			return err
		}
		if flagProjectUndo {
			fmt.Printf("Unarchived project %q\n", project.Name)
		} else {
			fmt.Printf("Archived project %q\n", project.Name)
		}
		return nil
	},
}

var projectRmCmd = &cobra.Command{
	Use:     "rm <name|id>",
	Aliases: []string{"delete"},
	Short:   "Delete a project",
	Long: `Delete a project. Its tasks fall back to the inbox; the inbox itself
cannot be deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		project, err := findProject(ctx, repo, args[0])
		if err != nil {
			return err
		}
		if !flagYes {
			ok, err := confirm(fmt.Sprintf("Delete project %q? Its tasks move to the inbox.", project.Name))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if err := repo.SoftDelete(ctx, model.KindProject, project.ID, project.Version); err != nil {
			return err
		}

		// Reparent surviving tasks so nothing dangles.
		tasks, err := repo.GetAll(ctx, model.KindTask, store.Filter{ProjectID: project.ID})
		if err != nil {
			return err
		}
		moved := 0
		for _, e := range tasks {
			t := e.(*model.Task)
			edited := t.Clone().(*model.Task)
			edited.ProjectID = model.InboxProjectID
			edited.Touch()
			if _, err := repo.Update(ctx, edited, t.Version); err != nil {
				return err
			}
			moved++
		}

		if moved > 0 {
			fmt.Printf("Deleted project %q, moved %d task(s) to the inbox\n", project.Name, moved)
		} else {
			fmt.Printf("Deleted project %q\n", project.Name)
		}
		return nil
	},
}

var (
	flagProjectDesc     string
	flagProjectColor    string
	flagProjectFavorite bool
	flagProjectUndo     bool
)

func init() {
	projectAddCmd.Flags().StringVar(&flagProjectDesc, "desc", "", "project description")
	projectAddCmd.Flags().StringVar(&flagProjectColor, "color", "", "display color")
	projectAddCmd.Flags().BoolVar(&flagProjectFavorite, "favorite", false, "mark as favorite")

	projectListCmd.Flags().BoolVarP(&flagListAll, "all", "a", false, "include archived projects")

	projectArchiveCmd.Flags().BoolVar(&flagProjectUndo, "undo", false, "unarchive instead")

	projectRmCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation")

	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectArchiveCmd, projectRmCmd)
	rootCmd.AddCommand(projectCmd)
}
