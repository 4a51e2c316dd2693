package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/config"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage storage contexts",
	Long: `A context names one storage backend: a local SQLite database or a
remote service endpoint. Commands operate on the active context.`,
}

var contextAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a context",
	Long: `Add a storage context.

Examples:
  todopro context add work
  todopro context add cloud --type remote --endpoint https://todo.example.com --token $TOKEN
  todopro context add vault --encrypted`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		c := config.Context{
			Name:     args[0],
			Type:     flagCtxType,
			Path:     flagCtxPath,
			Endpoint: flagCtxEndpoint,
			Token:    flagCtxToken,
		}
		if err := m.Add(c); err != nil {
			return err
		}
		fmt.Printf("Added context %q (%s)\n", c.Name, c.Type)
		if flagCtxEncrypted {
			if err := initEncryption(m, c.Name); err != nil {
				return err
			}
		}
		if flagCtxUse {
			if err := m.SetActive(c.Name); err != nil {
				return err
			}
			fmt.Printf("Switched to context %q\n", c.Name)
		}
		return nil
	},
}

var contextListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		active := m.Config().Active
		for _, c := range m.Contexts() {
			marker := "  "
			name := c.Name
			if c.Name == active {
				marker = activeStyle.Render("* ")
				name = activeStyle.Render(name)
			}
			detail := c.Type
			if c.Type == config.TypeRemote {
				detail += " " + c.Endpoint
			}
			if c.Encrypted {
				detail += " encrypted"
			}
			fmt.Printf("%s%s  %s\n", marker, name, dimStyle.Render(detail))
		}
		return nil
	},
}

var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the active context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		if err := m.SetActive(args[0]); err != nil {
			return err
		}
		fmt.Printf("Switched to context %q\n", args[0])
		return nil
	},
}

var contextRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"delete"},
	Short:   "Remove a context",
	Long: `Remove a context from the configuration. The database file and any
key material stay on disk; delete those yourself if you mean it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		if !flagYes {
			ok, err := confirm(fmt.Sprintf("Remove context %q from the configuration?", args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if err := m.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed context %q\n", args[0])
		return nil
	},
}

var (
	flagCtxType      string
	flagCtxPath      string
	flagCtxEndpoint  string
	flagCtxToken     string
	flagCtxEncrypted bool
	flagCtxUse       bool
)

func init() {
	contextAddCmd.Flags().StringVar(&flagCtxType, "type", config.TypeLocal, "backend type: local or remote")
	contextAddCmd.Flags().StringVar(&flagCtxPath, "path", "", "database file for local contexts (default <config dir>/<name>.db)")
	contextAddCmd.Flags().StringVar(&flagCtxEndpoint, "endpoint", "", "service URL for remote contexts")
	contextAddCmd.Flags().StringVar(&flagCtxToken, "token", "", "bearer token for remote contexts")
	contextAddCmd.Flags().BoolVar(&flagCtxEncrypted, "encrypted", false, "set up field encryption for the new context")
	contextAddCmd.Flags().BoolVar(&flagCtxUse, "use", false, "switch to the new context immediately")

	contextRmCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip confirmation")

	contextCmd.AddCommand(contextAddCmd, contextListCmd, contextUseCmd, contextRmCmd)
	rootCmd.AddCommand(contextCmd)
}
