package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Dado-hash/fundings-screener/internal/app"
)

var (
	testAlertChat int64
	alertsChat    int64
	addAlertOpts  app.AlertOptions
)

var testAlertCmd = &cobra.Command{
	Use:   "test-alert",
	Short: "发送一条测试通知（默认过滤条件），不写入数据库",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TestAlert(cmd.Context(), testAlertChat)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print notification statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context())
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage subscriber alerts",
}

var alertsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an alert for a chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		addAlertOpts.ChatID = alertsChat
		return getApp().AddAlert(cmd.Context(), addAlertOpts)
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a chat's active alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsChat == 0 {
			return errors.New("--chat must be provided")
		}
		return getApp().ListAlerts(cmd.Context(), alertsChat)
	},
}

var alertsDeleteCmd = &cobra.Command{
	Use:   "delete <alert-id>",
	Short: "Deactivate one of a chat's alerts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsChat == 0 {
			return errors.New("--chat must be provided")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return errors.New("alert id must be a positive integer")
		}
		return getApp().DeleteAlert(cmd.Context(), alertsChat, id)
	},
}

func init() {
	testAlertCmd.Flags().Int64Var(&testAlertChat, "chat", 0, "Telegram chat id")

	alertsCmd.PersistentFlags().Int64Var(&alertsChat, "chat", 0, "Telegram chat id")
	alertsAddCmd.Flags().StringVar(&addAlertOpts.Name, "name", "", "Alert name")
	alertsAddCmd.Flags().StringVar(&addAlertOpts.Username, "username", "", "Telegram username")
	alertsAddCmd.Flags().StringVar(&addAlertOpts.Interval, "every", "1h", "Delivery interval, e.g. 4h or 15m")
	addFilterFlags(alertsAddCmd, &addAlertOpts.Filter)

	alertsCmd.AddCommand(alertsAddCmd, alertsListCmd, alertsDeleteCmd)
}
