// voxd-mcp bridges a running voxd daemon to MCP clients over stdio.
// Tool calls are forwarded to the daemon socket, so the bridge holds no
// state of its own and can run next to the CLI and other clients.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxforge/voxd/pkg/client"
	"github.com/voxforge/voxd/pkg/mcp"
)

const defaultSocket = "/tmp/voxd.sock"

// socketBackend adapts the daemon client to the tool surface.
type socketBackend struct {
	conn *client.Client
}

func (b *socketBackend) Call(method string, params any) (json.RawMessage, error) {
	return b.conn.Call(method, params)
}

func main() {
	var socketPath string

	rootCmd := &cobra.Command{
		Use:   "voxd-mcp",
		Short: "voxd-mcp - MCP stdio bridge for the voxd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if socketPath == "" {
				socketPath = os.Getenv("VOXD_SOCKET")
			}
			if socketPath == "" {
				socketPath = defaultSocket
			}

			conn, err := client.Dial(socketPath)
			if err != nil {
				return fmt.Errorf("cannot reach voxd at %s (is the daemon running?): %w", socketPath, err)
			}
			defer conn.Close()

			if err := conn.Ping(); err != nil {
				return fmt.Errorf("daemon at %s is not responding: %w", socketPath, err)
			}

			s, err := mcp.NewServer(&socketBackend{conn: conn})
			if err != nil {
				return err
			}

			// stdout carries the MCP protocol; diagnostics go to stderr.
			log.SetOutput(os.Stderr)
			log.Printf("voxd-mcp connected to %s, serving stdio", socketPath)
			return mcp.ServeStdio(s)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "Daemon socket path (default $VOXD_SOCKET or "+defaultSocket+")")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
