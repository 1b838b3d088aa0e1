package cli

import (
	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a scan now, or queue one if a scan holds the lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Trigger(cmd.Context())
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the scan lock",
}

var lockInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the scan lock holder, ttl and heartbeat age",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().LockInfo(cmd.Context())
	},
}

var lockForceUnlockCmd = &cobra.Command{
	Use:   "force-unlock",
	Short: "Release the scan lock and mark the holder's job failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ForceUnlock(cmd.Context())
	},
}

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Run one stuck-lock check and recover if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watchdog(cmd.Context())
	},
}

func init() {
	lockCmd.AddCommand(lockInfoCmd)
	lockCmd.AddCommand(lockForceUnlockCmd)
}
