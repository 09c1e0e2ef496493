package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kellyson520/tg-forwarder/internal/app"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

var rootCmd = &cobra.Command{
	Use:           "tg-forwarder",
	Short:         "Forwards chat messages between Telegram chats according to stored rules",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run:           serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the listener, workers and admin HTTP server",
	Run:   serve,
}

func serve(*cobra.Command, []string) {
	app.Invoke(app.Serve...).Run()
}

func init() {
	rootCmd.AddCommand(serveCmd, newQueueStatusCmd())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.L().Errorw("command failed", "error", err)
		os.Exit(1)
	}
}
