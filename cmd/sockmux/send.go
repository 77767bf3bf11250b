package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zereker/sockmux"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one frame to a server and optionally wait for a reply",
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().String("host", "127.0.0.1", "server host")
	sendCmd.Flags().Int("port", 12345, "server port")
	sendCmd.Flags().Uint32("type", 1, "frame type id")
	sendCmd.Flags().String("data", "", "frame body")
	sendCmd.Flags().Bool("wait", false, "wait for one reply frame")
	sendCmd.Flags().Duration("timeout", 5*time.Second, "how long to wait for the send and the reply")
}

func runSend(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	typeID, _ := cmd.Flags().GetUint32("type")
	data, _ := cmd.Flags().GetString("data")
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	ep, err := engine.OpenClient(host, port, 0)
	if err != nil {
		return err
	}
	client, err := engine.ClientOf(ep)
	if err != nil {
		return err
	}

	if err := engine.SendMessage(timeout, ep, client, typeID, []byte(data)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	logger.Info("frame sent", "type", typeID, "len", len(data))

	if !wait {
		return nil
	}
	msg, err := engine.GetMessage(timeout)
	if err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	printFrame(cmd, msg, false)
	return nil
}

func printFrame(cmd *cobra.Command, msg sockmux.Received, legacy bool) {
	h := msg.Header
	fmt.Fprintf(cmd.OutOrStdout(), "id=%d seq=%d len=%d format=%s body=%q\n", h.ID, h.Seq, h.Len, h.Format, msg.Body)
	if !legacy {
		return
	}
	wire, err := sockmux.ConvertToLegacy(h, msg.Body)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "  legacy: %v\n", err)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  legacy: % x\n", wire)
}
