package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/voxforge/voxd/pkg/client"
)

const defaultSocket = "/tmp/voxd.sock"

// cli holds the shared state for all subcommands.
type cli struct {
	socketPath string
	conn       *client.Client
}

func (c *cli) connect() error {
	if c.conn != nil {
		return nil
	}
	conn, err := client.Dial(c.socketPath)
	if err != nil {
		return fmt.Errorf("cannot reach voxd at %s (is the daemon running?): %w", c.socketPath, err)
	}
	c.conn = conn
	return nil
}

// call invokes one daemon method and pretty-prints the result.
func (c *cli) call(method string, params any) error {
	if err := c.connect(); err != nil {
		return err
	}
	result, err := c.conn.Call(method, params)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func printJSON(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func parseCoords(args []string) (map[string]any, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("expected x y z coordinates")
	}
	out := map[string]any{}
	for i, key := range []string{"x", "y", "z"} {
		n, err := strconv.Atoi(args[i])
		if err != nil {
			return nil, fmt.Errorf("bad coordinate %q", args[i])
		}
		out[key] = n
	}
	return out, nil
}

func main() {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "voxd-cli",
		Short: "voxd-cli - client for the voxd voxel editing daemon",
		Long:  "A command-line client for voxd, similar to redis-cli: subcommands for one-shot calls, or an interactive shell when invoked without arguments.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.socketPath == "" {
				c.socketPath = os.Getenv("VOXD_SOCKET")
			}
			if c.socketPath == "" {
				c.socketPath = defaultSocket
			}
			return nil
		},
		// When called with no subcommand, drop into the interactive shell.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(c)
		},
	}
	rootCmd.PersistentFlags().StringVar(&c.socketPath, "socket", "", "Daemon socket path (default $VOXD_SOCKET or "+defaultSocket+")")

	// ── Diagnostics ─────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check daemon liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("ping", nil)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("version", nil)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show engine and daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("voxd.get_status", nil)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "methods",
		Short: "List all daemon methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("list_methods", nil)
		},
	})

	// ── Project ─────────────────────────────────────────────
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			params := map[string]any{"force": force}
			if len(args) > 0 {
				params["name"] = args[0]
			}
			return c.call("voxd.create_project", params)
		},
	}
	createCmd.Flags().Bool("force", false, "Replace the open project")
	rootCmd.AddCommand(createCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "load [path]",
		Short: "Load a project snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("voxd.load_project", map[string]any{"path": args[0]})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "save [path]",
		Short: "Save the open project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) > 0 {
				params["path"] = args[0]
			}
			return c.call("voxd.save_project", params)
		},
	})

	// ── Voxels ──────────────────────────────────────────────
	addCmd := &cobra.Command{
		Use:   "add [x] [y] [z]",
		Short: "Set one voxel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseCoords(args)
			if err != nil {
				return err
			}
			if color, _ := cmd.Flags().GetString("color"); color != "" {
				params["color"] = color
			}
			if cmd.Flags().Changed("layer") {
				layer, _ := cmd.Flags().GetInt("layer")
				params["layer"] = layer
			}
			return c.call("voxd.add_voxel", params)
		},
	}
	addCmd.Flags().StringP("color", "c", "", "Hex color #RRGGBB or #RRGGBBAA")
	addCmd.Flags().IntP("layer", "l", 0, "Layer id (default: active layer)")
	rootCmd.AddCommand(addCmd)

	fillCmd := &cobra.Command{
		Use:   "fill [x1] [y1] [z1] [x2] [y2] [z2]",
		Short: "Fill a box-shaped region",
		Args:  cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseCoords(args[:3])
			if err != nil {
				return err
			}
			to, err := parseCoords(args[3:])
			if err != nil {
				return err
			}
			params := map[string]any{"region": map[string]any{"from": from, "to": to}}
			if color, _ := cmd.Flags().GetString("color"); color != "" {
				params["color"] = color
			}
			if cmd.Flags().Changed("layer") {
				layer, _ := cmd.Flags().GetInt("layer")
				params["layer"] = layer
			}
			return c.call("voxd.add_voxels", params)
		},
	}
	fillCmd.Flags().StringP("color", "c", "", "Hex color for the whole region")
	fillCmd.Flags().IntP("layer", "l", 0, "Layer id (default: active layer)")
	rootCmd.AddCommand(fillCmd)

	removeCmd := &cobra.Command{
		Use:   "remove [x] [y] [z]",
		Short: "Delete one voxel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseCoords(args)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("layer") {
				layer, _ := cmd.Flags().GetInt("layer")
				params["layer"] = layer
			}
			return c.call("voxd.remove_voxel", params)
		},
	}
	removeCmd.Flags().IntP("layer", "l", 0, "Layer id (default: active layer)")
	rootCmd.AddCommand(removeCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "get [x] [y] [z]",
		Short: "Look a voxel up across visible layers",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseCoords(args)
			if err != nil {
				return err
			}
			return c.call("voxd.get_voxel", params)
		},
	})

	// ── Layers ──────────────────────────────────────────────
	layerCmd := &cobra.Command{
		Use:   "layer",
		Short: "Layer management",
	}

	layerCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List layers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call("voxd.list_layers", nil)
		},
	})

	layerCmd.AddCommand(&cobra.Command{
		Use:   "add [name]",
		Short: "Append a new empty layer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) > 0 {
				params["name"] = args[0]
			}
			return c.call("voxd.create_layer", params)
		},
	})

	layerCmd.AddCommand(&cobra.Command{
		Use:   "use [id]",
		Short: "Switch the editing target layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad layer id %q", args[0])
			}
			return c.call("voxd.set_active_layer", map[string]any{"id": id})
		},
	})
	rootCmd.AddCommand(layerCmd)

	// ── Export and analysis ─────────────────────────────────
	exportCmd := &cobra.Command{
		Use:   "export [path]",
		Short: "Export the visible voxels to OBJ, PLY, or TXT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"path": args[0]}
			if format, _ := cmd.Flags().GetString("format"); format != "" {
				params["format"] = format
			}
			return c.call("voxd.export_model", params)
		},
	}
	exportCmd.Flags().String("format", "", "obj, ply, or txt (default: inferred from extension)")
	rootCmd.AddCommand(exportCmd)

	colorsCmd := &cobra.Command{
		Use:   "colors",
		Short: "Quantized color histogram of the visible voxels",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				params["limit"] = limit
			}
			return c.call("voxd.analyze_colors", params)
		},
	}
	colorsCmd.Flags().Int("limit", 0, "Max buckets to return (default 8)")
	rootCmd.AddCommand(colorsCmd)

	err := rootCmd.Execute()
	if c.conn != nil {
		c.conn.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}
