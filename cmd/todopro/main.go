// Command todopro is a task manager with offline-first storage, optional
// end-to-end encryption, and bidirectional sync against a remote service.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/config"
	"github.com/todopro/todopro/internal/logging"
	"github.com/todopro/todopro/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "todopro",
	Short: "Offline-first task management with sync and end-to-end encryption",
	Long: `todopro manages tasks, projects, and labels in a local SQLite store,
optionally encrypted, and synchronizes them with a remote service.

Storage backends are named contexts. Commands operate on the active
context; switch with "todopro context use" or override per invocation
with --context.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfigDir string
	flagContext   string
	flagVerbose   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration directory (default ~/.todopro)")
	rootCmd.PersistentFlags().StringVarP(&flagContext, "context", "c", "", "storage context to operate on (default: the active one)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log subsystem activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// manager loads the configuration, honoring --config-dir.
func manager() (*config.Manager, error) {
	dir := flagConfigDir
	if dir == "" {
		var err error
		if dir, err = config.DefaultDir(); err != nil {
			return nil, err
		}
	}
	return config.NewManager(dir)
}

// openRepo opens the selected context's repository. The caller closes it.
func openRepo() (*config.Manager, store.Repository, error) {
	m, err := manager()
	if err != nil {
		return nil, nil, err
	}
	repo, err := m.Open(flagContext)
	if err != nil {
		return nil, nil, err
	}
	return m, repo, nil
}

// newLogger builds a subsystem logger honoring --verbose and the configured
// log file.
func newLogger(m *config.Manager, prefix string) *log.Logger {
	return logging.New(prefix, logging.Options{
		Verbose: flagVerbose,
		File:    m.Config().LogFile,
	})
}
