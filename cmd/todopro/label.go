package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/model"
	"github.com/todopro/todopro/internal/store"
)

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Manage labels",
}

var labelAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		label := model.NewLabel(args[0])
		label.Color = flagLabelColor
		label.Favorite = flagLabelFavorite

		created, err := repo.Create(context.Background(), label)
		if err != nil {
			return err
		}
		fmt.Printf("Added label @%s (%s)\n", label.Name, shortID(created.EntityID()))
		return nil
	},
}

var labelListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List labels with usage counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		labels, err := repo.GetAll(ctx, model.KindLabel, store.Filter{})
		if err != nil {
			return err
		}
		tasks, err := repo.GetAll(ctx, model.KindTask, store.Filter{})
		if err != nil {
			return err
		}
		counts := make(map[string]int)
		for _, e := range tasks {
			for _, id := range e.(*model.Task).LabelIDs {
				counts[id]++
			}
		}

		for _, e := range labels {
			l := e.(*model.Label)
			name := "@" + l.Name
			if l.Favorite {
				name = "★ " + name
			}
			fmt.Printf("%s  %s %s\n", name,
				dimStyle.Render(fmt.Sprintf("%d tasks", counts[l.ID])),
				dimStyle.Render(shortID(l.ID)))
		}
		return nil
	},
}

var labelRmCmd = &cobra.Command{
	Use:     "rm <name|id>",
	Aliases: []string{"delete"},
	Short:   "Delete a label",
	Long:    `Delete a label and detach it from every task carrying it.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()
		ctx := context.Background()

		label, err := findLabel(ctx, repo, args[0])
		if err != nil {
			return err
		}
		if !flagYes {
			ok, err := confirm(fmt.Sprintf("Delete label @%s?", label.Name))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if err := repo.SoftDelete(ctx, model.KindLabel, label.ID, label.Version); err != nil {
			return err
		}

		tasks, err := repo.GetAll(ctx, model.KindTask, store.Filter{LabelID: label.ID})
		if err != nil {
			return err
		}
		for _, e := range tasks {
			t := e.(*model.Task)
			edited := t.Clone().(*model.Task)
			edited.LabelIDs = removeString(edited.LabelIDs, label.ID)
			edited.Touch()
			if _, err := repo.Update(ctx, edited, t.Version); err != nil {
				return err
			}
		}
		fmt.Printf("Deleted label @%s\n", label.Name)
		return nil
	},
}

func removeString(in []string, s string) []string {
	out := in[:0]
	for _, v := range in {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

var (
	flagLabelColor    string
	flagLabelFavorite bool
)

func init() {
	labelAddCmd.Flags().StringVar(&flagLabelColor, "color", "", "display color")
	labelAddCmd.Flags().BoolVar(&flagLabelFavorite, "favorite", false, "mark as favorite")

	labelRmCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation")

	labelCmd.AddCommand(labelAddCmd, labelListCmd, labelRmCmd)
	rootCmd.AddCommand(labelCmd)
}
