package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zereker/sockmux"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to a server and print every frame it sends",
	Long: `Connect to a server and print every frame it sends. With --retry the
connection is redialed at that interval whenever it drops, including when the
server is not up yet.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().String("host", "127.0.0.1", "server host")
	listenCmd.Flags().Int("port", 12345, "server port")
	listenCmd.Flags().Duration("retry", 5*time.Second, "redial interval, 0 disables reconnection")
	listenCmd.Flags().Int("count", 0, "exit after this many frames (0 runs until interrupted)")
	listenCmd.Flags().Bool("legacy", false, "also print each frame in legacy wire form")
}

func runListen(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	retry, _ := cmd.Flags().GetDuration("retry")
	count, _ := cmd.Flags().GetInt("count")
	legacy, _ := cmd.Flags().GetBool("legacy")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	if _, err := engine.OpenClient(host, port, retry); err != nil {
		return err
	}

	for seen := 0; count == 0 || seen < count; {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := engine.GetMessage(250 * time.Millisecond)
		if errors.Is(err, sockmux.ErrNoMessage) {
			continue
		}
		if err != nil {
			return err
		}
		printFrame(cmd, msg, legacy)
		seen++
	}
	return nil
}
