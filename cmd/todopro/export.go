package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write a YAML backup of the selected context",
	Long: `Write a YAML backup of the active (or --context) context to a file,
or to stdout when no file is given. The backup is plaintext even when the
context is encrypted; that is what makes it a backup.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create backup file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if err := export.Write(context.Background(), repo, out); err != nil {
			return err
		}
		if len(args) == 1 {
			fmt.Fprintf(os.Stderr, "Exported to %s\n", args[0])
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore a YAML backup into the selected context",
	Long: `Restore a backup into the active (or --context) context. Entities
are matched by id: missing ones are created, existing ones overwritten.
A later sync propagates the restored state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup file: %w", err)
		}
		defer f.Close()
		backup, err := export.Read(f)
		if err != nil {
			return err
		}

		if !flagYes {
			ok, err := confirm(fmt.Sprintf(
				"Restore %d projects, %d labels and %d tasks? Existing entities with the same id are overwritten.",
				len(backup.Projects), len(backup.Labels), len(backup.Tasks)))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		_, repo, err := openRepo()
		if err != nil {
			return err
		}
		defer repo.Close()

		res, err := export.Restore(context.Background(), repo, backup)
		if err != nil {
			return err
		}
		fmt.Printf("Restored: %d created, %d updated, %d skipped\n",
			res.Created, res.Updated, res.Skipped)
		return nil
	},
}

func init() {
	importCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation")
	rootCmd.AddCommand(exportCmd, importCmd)
}
