package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const replHelp = `
voxd interactive shell - available commands:

  Project:
    create [name] [--force]           Create a new project
    load <path>                       Load a snapshot (.vxp)
    save [path]                       Save the open project

  Voxels:
    add <x> <y> <z> [color]           Set one voxel (hex color, default white)
    fill <x1> <y1> <z1> <x2> <y2> <z2> [color]
                                      Fill a box-shaped region
    remove <x> <y> <z>                Delete one voxel
    get <x> <y> <z>                   Look a voxel up (topmost visible layer)

  Layers:
    layers                            List layers
    layer add [name]                  Append a new empty layer
    layer use <id>                    Switch the editing target layer

  Output:
    export <path> [format]            Export to obj/ply/txt
    colors [limit]                    Color histogram of visible voxels

  Daemon:
    ping                              Liveness check
    status                            Engine and daemon status
    version                           Daemon version
    methods                           List all methods

  Raw:
    { ... } or [ ... ]                A line starting with { or [ is sent
                                      verbatim as a JSON-RPC frame

  Shell:
    \help                             Show this help
    \status                           Show connection info
    \quit  (or exit, quit, Ctrl-D)    Exit
`

// runREPL starts the interactive shell.
func runREPL(c *cli) error {
	if err := c.connect(); err != nil {
		return err
	}
	if err := c.conn.Ping(); err != nil {
		return fmt.Errorf("daemon at %s is not responding: %w", c.socketPath, err)
	}

	fmt.Printf("Connected to voxd at %s\nType \\help for commands, \\quit to exit.\n\n", c.socketPath)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("voxd> ")
		if !scanner.Scan() {
			fmt.Println()
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if done := dispatchREPL(c, line); done {
			fmt.Println("Bye.")
			return nil
		}
	}
}

// dispatchREPL parses and executes one REPL line.
// Returns true when the user wants to quit.
func dispatchREPL(c *cli, line string) bool {
	// Raw JSON-RPC passthrough.
	if line[0] == '{' || line[0] == '[' {
		resp, err := c.conn.Raw([]byte(line))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			printJSON(resp)
		}
		return false
	}

	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	replCall := func(method string, params any) {
		if err := c.call(method, params); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}

	switch cmd {
	case `\quit`, `\q`, "exit", "quit":
		return true

	case `\help`, `\h`, "help":
		fmt.Print(replHelp)

	case `\status`:
		fmt.Printf("socket: %s\n", c.socketPath)

	case "ping":
		replCall("ping", nil)

	case "status":
		replCall("voxd.get_status", nil)

	case "version":
		replCall("version", nil)

	case "methods":
		replCall("list_methods", nil)

	case "create":
		params := map[string]any{}
		for _, a := range args {
			if a == "--force" {
				params["force"] = true
			} else {
				params["name"] = a
			}
		}
		replCall("voxd.create_project", params)

	case "load":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "usage: load <path>")
			break
		}
		replCall("voxd.load_project", map[string]any{"path": args[0]})

	case "save":
		params := map[string]any{}
		if len(args) > 0 {
			params["path"] = args[0]
		}
		replCall("voxd.save_project", params)

	case "add":
		params, err := replCoords(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: add <x> <y> <z> [color]")
			break
		}
		if len(args) > 3 {
			params["color"] = args[3]
		}
		replCall("voxd.add_voxel", params)

	case "fill":
		if len(args) < 6 {
			fmt.Fprintln(os.Stderr, "usage: fill <x1> <y1> <z1> <x2> <y2> <z2> [color]")
			break
		}
		from, err1 := replCoords(args[:3])
		to, err2 := replCoords(args[3:6])
		if err1 != nil || err2 != nil {
			fmt.Fprintln(os.Stderr, "fill: coordinates must be integers")
			break
		}
		params := map[string]any{"region": map[string]any{"from": from, "to": to}}
		if len(args) > 6 {
			params["color"] = args[6]
		}
		replCall("voxd.add_voxels", params)

	case "remove":
		params, err := replCoords(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: remove <x> <y> <z>")
			break
		}
		replCall("voxd.remove_voxel", params)

	case "get":
		params, err := replCoords(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: get <x> <y> <z>")
			break
		}
		replCall("voxd.get_voxel", params)

	case "layers":
		replCall("voxd.list_layers", nil)

	case "layer":
		if len(args) == 0 {
			replCall("voxd.list_layers", nil)
			break
		}
		switch args[0] {
		case "list":
			replCall("voxd.list_layers", nil)
		case "add":
			params := map[string]any{}
			if len(args) > 1 {
				params["name"] = args[1]
			}
			replCall("voxd.create_layer", params)
		case "use":
			if len(args) < 2 {
				fmt.Fprintln(os.Stderr, "usage: layer use <id>")
				break
			}
			id, err := strconv.Atoi(args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad layer id %q\n", args[1])
				break
			}
			replCall("voxd.set_active_layer", map[string]any{"id": id})
		default:
			fmt.Fprintf(os.Stderr, "unknown layer subcommand %q, use list/add/use\n", args[0])
		}

	case "export":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "usage: export <path> [format]")
			break
		}
		params := map[string]any{"path": args[0]}
		if len(args) > 1 {
			params["format"] = args[1]
		}
		replCall("voxd.export_model", params)

	case "colors":
		params := map[string]any{}
		if len(args) > 0 {
			if limit, err := strconv.Atoi(args[0]); err == nil {
				params["limit"] = limit
			}
		}
		replCall("voxd.analyze_colors", params)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, type \\help for available commands\n", cmd)
	}

	return false
}

func replCoords(args []string) (map[string]any, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("need 3 coordinates")
	}
	return parseCoords(args[:3])
}
