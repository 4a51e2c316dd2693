package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/config"
	"github.com/todopro/todopro/internal/monitor"
	"github.com/todopro/todopro/internal/store"
	"github.com/todopro/todopro/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the local context with a remote one",
	Long: `Synchronize the active (or --context) local store with a remote
context: pull remote changes first, then push local ones. Conflicts are
resolved by the configured strategy and recorded in the conflict journal.

Examples:
  todopro sync --remote cloud
  todopro sync --remote cloud --strategy local-wins
  todopro sync --remote cloud --dry-run
  todopro sync --remote cloud --monitor 8790`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(func(ctx context.Context, engine *sync.Engine) (sync.Summary, error) {
			return engine.Sync(ctx)
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local changes to the remote context",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(func(ctx context.Context, engine *sync.Engine) (sync.Summary, error) {
			counts, err := engine.Push(ctx)
			return sync.Summary{Push: counts}, err
		})
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull remote changes into the local context",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(func(ctx context.Context, engine *sync.Engine) (sync.Summary, error) {
			counts, err := engine.Pull(ctx)
			return sync.Summary{Pull: counts}, err
		})
	},
}

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show the conflict journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		records, err := journal(m).List()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(dimStyle.Render("No conflicts recorded."))
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s  %s %s %s  %s\n",
				dimStyle.Render(rec.Time.Local().Format("2006-01-02 15:04")),
				rec.Kind, shortID(rec.EntityID),
				warnStyle.Render(rec.Resolution),
				dimStyle.Render(fmt.Sprintf("local v%d / remote v%d -> v%d",
					rec.LocalVersion, rec.RemoteVersion, rec.MergedVersion)))
		}
		return nil
	},
}

var (
	flagSyncRemote   string
	flagSyncStrategy string
	flagSyncDryRun   bool
	flagSyncFull     bool
	flagSyncMonitor  int
)

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, pushCmd, pullCmd} {
		cmd.Flags().StringVarP(&flagSyncRemote, "remote", "r", "", "remote context to sync with (required)")
		cmd.Flags().StringVar(&flagSyncStrategy, "strategy", "", "conflict policy: merge, local-wins or remote-wins")
		cmd.Flags().BoolVar(&flagSyncDryRun, "dry-run", false, "report what would change without writing")
		cmd.Flags().BoolVar(&flagSyncFull, "full", false, "ignore saved cursors and reconcile everything")
		cmd.Flags().IntVar(&flagSyncMonitor, "monitor", 0, "stream progress to WebSocket clients on this port")
		_ = cmd.MarkFlagRequired("remote")
	}

	syncCmd.AddCommand(syncConflictsCmd)
	rootCmd.AddCommand(syncCmd, pushCmd, pullCmd)
}

func journal(m *config.Manager) *sync.Journal {
	return sync.NewJournal(filepath.Join(m.Dir(), "sync-conflicts.json"))
}

// runSync builds the engine from the selected contexts and runs one sync
// operation, rendering the summary afterwards.
func runSync(run func(context.Context, *sync.Engine) (sync.Summary, error)) error {
	m, err := manager()
	if err != nil {
		return err
	}
	localCtx, err := m.Context(flagContext)
	if err != nil {
		return err
	}
	if localCtx.Name == flagSyncRemote {
		return fmt.Errorf("%w: cannot sync context %q with itself",
			store.ErrInvalidOperation, localCtx.Name)
	}

	local, err := m.OpenSync(localCtx.Name)
	if err != nil {
		return err
	}
	defer local.Close()
	remote, err := m.Open(flagSyncRemote)
	if err != nil {
		return err
	}
	defer remote.Close()

	strategy := flagSyncStrategy
	if strategy == "" {
		strategy = m.Config().Strategy
	}
	policy, err := sync.ParsePolicy(strategy)
	if err != nil {
		return err
	}

	var events sync.Events
	if flagSyncMonitor > 0 {
		server := monitor.NewServer(&monitor.Config{
			Port:   flagSyncMonitor,
			Logger: newLogger(m, "[monitor] "),
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				fmt.Println(warnStyle.Render("monitor shutdown: " + err.Error()))
			}
		}()
		events = server
	}

	engine := sync.New(sync.Config{
		Local:      local,
		Remote:     remote,
		LocalName:  localCtx.Name,
		RemoteName: flagSyncRemote,
		Policy:     policy,
		Journal:    journal(m),
		Events:     events,
		Logger:     newLogger(m, "[sync] "),
		DryRun:     flagSyncDryRun,
		Full:       flagSyncFull,
	})

	summary, err := run(context.Background(), engine)
	if err != nil {
		return err
	}
	if flagSyncDryRun {
		fmt.Println(dimStyle.Render("Dry run; nothing was written."))
	}
	fmt.Println(renderSummary(summary))
	return nil
}
