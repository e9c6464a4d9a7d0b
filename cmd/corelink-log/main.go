// Command corelink-log views and analyzes gateway protocol log files.
//
// Log files are created by running corelink-gateway with the
// -protocol-log flag (or protocol_log_path in the config).
//
// Usage:
//
//	corelink-log <command> [flags] <file.clog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSONL
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View all events
//	corelink-log view gateway.clog
//
//	# View only wire-layer events for one device
//	corelink-log view -layer wire -device 53ff6f065067544840551187 gateway.clog
//
//	# Export to JSONL
//	corelink-log export gateway.clog > gateway.jsonl
//
//	# Show statistics
//	corelink-log stats gateway.clog
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/corelink-protocol/corelink-go/pkg/log"
)

const usage = `corelink-log - Gateway Protocol Log Analyzer

Usage:
  corelink-log <command> [flags] <file.clog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSONL
  stats    Show statistics about the log file

Use "corelink-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "view":
		err = runView(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// filterFlags registers the shared filter flags and returns a builder.
func filterFlags(fs *flag.FlagSet) func() (log.Filter, error) {
	layer := fs.String("layer", "", "Filter by layer (transport, wire, session)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, state, error)")
	connID := fs.String("conn-id", "", "Filter by connection id")
	device := fs.String("device", "", "Filter by device id (lowercase hex)")

	return func() (log.Filter, error) {
		filter := log.Filter{
			ConnectionID: *connID,
			DeviceID:     strings.ToLower(*device),
		}
		if *layer != "" {
			l, err := parseLayer(*layer)
			if err != nil {
				return filter, err
			}
			filter.Layer = &l
		}
		if *direction != "" {
			d, err := parseDirection(*direction)
			if err != nil {
				return filter, err
			}
			filter.Direction = &d
		}
		if *category != "" {
			c, err := parseCategory(*category)
			if err != nil {
				return filter, err
			}
			filter.Category = &c
		}
		return filter, nil
	}
}

func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "session":
		return log.LayerSession, nil
	}
	return 0, fmt.Errorf("unknown layer %q (transport, wire, session)", s)
}

func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	}
	return 0, fmt.Errorf("unknown direction %q (in, out)", s)
}

func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	}
	return 0, fmt.Errorf("unknown category %q (message, state, error)", s)
}

func openReader(fs *flag.FlagSet, build func() (log.Filter, error), args []string) (*log.Reader, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() < 1 {
		return nil, fmt.Errorf("log file path required")
	}
	filter, err := build()
	if err != nil {
		return nil, err
	}
	return log.NewFilteredReader(fs.Arg(0), filter)
}

func runView(args []string) error {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	build := filterFlags(fs)
	reader, err := openReader(fs, build, args)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(formatEvent(event))
	}
}

// formatEvent renders one event as a single human-readable line.
func formatEvent(e log.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-3s %-9s %-7s conn=%s",
		e.Timestamp.Format("15:04:05.000"),
		e.Direction, e.Layer, e.Category, shortID(e.ConnectionID))
	if e.DeviceID != "" {
		fmt.Fprintf(&b, " device=%s", e.DeviceID)
	}

	switch {
	case e.Message != nil:
		fmt.Fprintf(&b, " %s id=%d", e.Message.Kind, e.Message.MessageID)
		if e.Message.URI != "" {
			fmt.Fprintf(&b, " uri=%q", e.Message.URI)
		}
		if e.Message.PayloadSize > 0 {
			fmt.Fprintf(&b, " plen=%d", e.Message.PayloadSize)
		}
	case e.Frame != nil:
		fmt.Fprintf(&b, " frame size=%d", e.Frame.Size)
		if e.Frame.Truncated {
			b.WriteString(" (truncated)")
		}
	case e.StateChange != nil:
		fmt.Fprintf(&b, " %s -> %s", e.StateChange.OldState, e.StateChange.NewState)
		if e.StateChange.Reason != "" {
			fmt.Fprintf(&b, " (%s)", e.StateChange.Reason)
		}
	case e.Error != nil:
		fmt.Fprintf(&b, " error=%q", e.Error.Message)
		if e.Error.Context != "" {
			fmt.Fprintf(&b, " context=%q", e.Error.Context)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	build := filterFlags(fs)
	reader, err := openReader(fs, build, args)
	if err != nil {
		return err
	}
	defer reader.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	build := filterFlags(fs)
	reader, err := openReader(fs, build, args)
	if err != nil {
		return err
	}
	defer reader.Close()

	var (
		total      int
		frameBytes int
		byKind     = map[string]int{}
		byLayer    = map[string]int{}
		conns      = map[string]bool{}
		devices    = map[string]bool{}
		errors     int
	)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		total++
		byLayer[event.Layer.String()]++
		conns[event.ConnectionID] = true
		if event.DeviceID != "" {
			devices[event.DeviceID] = true
		}
		if event.Message != nil {
			byKind[event.Message.Kind]++
		}
		if event.Frame != nil {
			frameBytes += event.Frame.Size
		}
		if event.Category == log.CategoryError {
			errors++
		}
	}

	fmt.Printf("Events:      %d\n", total)
	fmt.Printf("Connections: %d\n", len(conns))
	fmt.Printf("Devices:     %d\n", len(devices))
	fmt.Printf("Frame bytes: %d\n", frameBytes)
	fmt.Printf("Errors:      %d\n", errors)

	fmt.Println("\nBy layer:")
	for _, name := range sortedKeys(byLayer) {
		fmt.Printf("  %-10s %d\n", name, byLayer[name])
	}
	if len(byKind) > 0 {
		fmt.Println("\nBy message kind:")
		for _, name := range sortedKeys(byKind) {
			fmt.Printf("  %-16s %d\n", name, byKind[name])
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
