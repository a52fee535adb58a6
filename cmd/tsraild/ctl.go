package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/h4rm0n1c/tsraild/internal/config"
)

func newCtlCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "ctl <command> [args...]",
		Short: "Send one command to the control socket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if socketPath == "" {
				socketPath = config.Default().ControlSocket
			}

			conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
			if err != nil {
				return fmt.Errorf("dial control socket: %w", err)
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

			if _, err := fmt.Fprintln(conn, strings.Join(args, " ")); err != nil {
				return fmt.Errorf("send command: %w", err)
			}

			reply, err := io.ReadAll(conn)
			if err != nil {
				return fmt.Errorf("read reply: %w", err)
			}
			fmt.Print(string(reply))

			if strings.HasPrefix(string(reply), "ERR") {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "", "control socket path")
	return cmd
}
