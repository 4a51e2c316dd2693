package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/todopro/todopro/internal/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run a standalone sync monitor server",
	Long: `Run a WebSocket server that dashboards and scripts can connect to.
Clients connect to ws://localhost:<port>/ws; /health reports the client
count. Sync events stream from syncs run with --monitor; a standalone
server is useful for dashboard development and connectivity checks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		server := monitor.NewServer(&monitor.Config{
			Port:   flagMonitorPort,
			Logger: newLogger(m, "[monitor] "),
		})
		if err := server.Start(); err != nil {
			return err
		}
		fmt.Printf("Monitor listening on %s (Ctrl-C to stop)\n", server.Addr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return server.Stop()
	},
}

var flagMonitorPort int

func init() {
	monitorCmd.Flags().IntVarP(&flagMonitorPort, "port", "p", 8790, "port to listen on")
	rootCmd.AddCommand(monitorCmd)
}
