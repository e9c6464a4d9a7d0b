// Package interactive provides the interactive command-line interface
// for the gateway: inspecting connected devices and driving the device
// API from a prompt.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/corelink-protocol/corelink-go/pkg/eventbus"
	"github.com/corelink-protocol/corelink-go/pkg/server"
	"github.com/corelink-protocol/corelink-go/pkg/session"
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// Console handles interactive mode for corelink-gateway.
type Console struct {
	gw  *server.Gateway
	bus *eventbus.Broker
	rl  *readline.Instance

	subs []*eventbus.Subscription
}

// New creates the console. Attach must be called before Run.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gateway> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl}, nil
}

// Attach wires the console to a running gateway.
func (c *Console) Attach(gw *server.Gateway, bus *eventbus.Broker) {
	c.gw = gw
	c.bus = bus
}

// Stdout returns a writer that properly coordinates with the readline
// input. Use this for log output to avoid interfering with the prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run starts the interactive command loop. It returns when the user
// quits or ctx is cancelled; cancel is invoked on quit.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer c.cancelSubs()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "list", "ls":
			c.cmdList()

		case "describe", "d":
			c.cmdDescribe(args)

		case "get", "g":
			c.cmdGet(args)

		case "set":
			c.cmdSet(args)

		case "call", "c":
			c.cmdCall(args)

		case "flash":
			c.cmdFlash(args)

		case "flashapp":
			c.cmdFlashApp(args)

		case "raise":
			c.cmdRaise(args)

		case "signal":
			c.cmdSignal(args)

		case "ping", "p":
			c.cmdPing(args)

		case "sub":
			c.cmdSub(args)

		case "pub":
			c.cmdPub(args)

		case "kick":
			c.cmdKick(args)

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Gateway Commands:
  Devices:
    list                     - List connected devices
    describe <id>            - Show a device's variables and functions
    ping <id>                - Show socket liveness without touching the wire
    kick <id>                - Force-close a device's session

  Device API:
    get <id> <var> [type]    - Read a variable (optional type hint)
    set <id> <var> <value>   - Write a variable
    call <id> <fn> [args]    - Call a function (args comma-separated)
    raise <id> [off]         - Ask the device to signal (or stop)
    signal <id> on|off       - Start or stop the visual signal

  Firmware:
    flash <id> <file>        - Flash a firmware image file
    flashapp <id> <app>      - Flash a known image from the firmware store

  Events:
    sub <prefix>             - Subscribe to bus events by name prefix
    pub <name> [data]        - Publish an event onto the bus

  General:
    help                     - Show this help
    quit                     - Exit the gateway

  Device ids may be abbreviated to any unique prefix.`)
}

// resolveSession finds a live session by full id or unique prefix.
func (c *Console) resolveSession(idArg string) *session.Session {
	if id, err := wire.ParseDeviceID(idArg); err == nil {
		if sess, ok := c.gw.Session(id); ok {
			return sess
		}
		fmt.Fprintf(c.rl.Stdout(), "Device not connected: %s\n", idArg)
		return nil
	}

	var match *session.Session
	for _, sess := range c.gw.Sessions() {
		if strings.HasPrefix(sess.DeviceID().String(), idArg) {
			if match != nil {
				fmt.Fprintf(c.rl.Stdout(), "Ambiguous device id: %s\n", idArg)
				return nil
			}
			match = sess
		}
	}
	if match == nil {
		fmt.Fprintf(c.rl.Stdout(), "Device not found: %s (use 'list')\n", idArg)
	}
	return match
}

func (c *Console) cmdList() {
	sessions := c.gw.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No connected devices")
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "\nConnected Devices (%d):\n", len(sessions))
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")
	for _, sess := range sessions {
		hello := sess.Hello()
		lastHeard, _ := sess.Ping()
		fmt.Fprintf(c.rl.Stdout(), "  ID: %s\n", sess.DeviceID())
		fmt.Fprintf(c.rl.Stdout(), "      State: %s\n", sess.State())
		fmt.Fprintf(c.rl.Stdout(), "      Product: %d  Firmware: %d  Platform: %d\n",
			hello.ProductID, hello.FirmwareVersion, hello.PlatformID)
		if owner := sess.UserID(); owner != "" {
			fmt.Fprintf(c.rl.Stdout(), "      Owner: %s\n", owner)
		}
		fmt.Fprintf(c.rl.Stdout(), "      Connected: %s  Last heard: %s\n",
			sess.StartedAt().Format("15:04:05"), lastHeard.Format("15:04:05"))
		fmt.Fprintln(c.rl.Stdout())
	}
}

func (c *Console) cmdDescribe(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: describe <id>")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	desc, raw, err := sess.Describe()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Describe failed: %v\n", err)
		return
	}

	if len(desc.Variables) == 0 && len(desc.Functions) == 0 {
		var pretty map[string]any
		if json.Unmarshal(raw, &pretty) == nil && len(pretty) > 0 {
			fmt.Fprintf(c.rl.Stdout(), "%s\n", raw)
		} else {
			fmt.Fprintln(c.rl.Stdout(), "Device exposes no variables or functions")
		}
		return
	}

	if len(desc.Variables) > 0 {
		fmt.Fprintln(c.rl.Stdout(), "\nVariables:")
		for name, typ := range desc.Variables {
			fmt.Fprintf(c.rl.Stdout(), "  %s (%s)\n", name, typ)
		}
	}
	if len(desc.Functions) > 0 {
		fmt.Fprintln(c.rl.Stdout(), "\nFunctions:")
		for name, sig := range desc.Functions {
			fmt.Fprintf(c.rl.Stdout(), "  %s(%s)\n", name, strings.Join(sig, ", "))
		}
	}
	fmt.Fprintln(c.rl.Stdout())
}

func (c *Console) cmdGet(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: get <id> <var> [type]")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	hint := ""
	if len(args) >= 3 {
		hint = args[2]
	}
	value, _, err := sess.GetVar(args[1], hint)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Get failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "%s = %v\n", args[1], value)
}

func (c *Console) cmdSet(args []string) {
	if len(args) < 3 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: set <id> <var> <value>")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	// Resolve the declared type first so the value parses to the right
	// Go form.
	if _, _, err := sess.Describe(); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Describe failed: %v\n", err)
		return
	}

	echo, _, err := sess.SetVar(args[1], parseValue(strings.Join(args[2:], " ")))
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Set failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "%s = %v\n", args[1], echo)
}

// parseValue tries int, then float, then bool, then string.
func parseValue(s string) any {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return strings.Trim(s, "\"'")
}

func (c *Console) cmdCall(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: call <id> <fn> [args]")
		fmt.Fprintln(c.rl.Stdout(), "  Example: call 53ff6f06 led on,5")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	fnArgs := strings.Join(args[2:], ",")
	result, err := sess.CallFn(args[1], fnArgs)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Call failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "%s() = %d\n", args[1], result)
}

func (c *Console) cmdFlash(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: flash <id> <file>")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	binary, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Cannot read image: %v\n", err)
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "Flashing %d bytes to %s...\n", len(binary), sess.DeviceID())
	go func() {
		start := time.Now()
		if err := sess.Flash(binary); err != nil {
			fmt.Fprintf(c.rl.Stdout(), "\nFlash failed: %v\n", err)
		} else {
			fmt.Fprintf(c.rl.Stdout(), "\nFlash complete in %s\n", time.Since(start).Round(time.Millisecond))
		}
		c.rl.Refresh()
	}()
}

func (c *Console) cmdFlashApp(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: flashapp <id> <app>")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	fmt.Fprintf(c.rl.Stdout(), "Flashing %q to %s...\n", args[1], sess.DeviceID())
	go func() {
		if err := sess.FlashKnown(args[1]); err != nil {
			fmt.Fprintf(c.rl.Stdout(), "\nFlash failed: %v\n", err)
		} else {
			fmt.Fprintln(c.rl.Stdout(), "\nFlash complete")
		}
		c.rl.Refresh()
	}()
}

func (c *Console) cmdRaise(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: raise <id> [off]")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	signal := !(len(args) >= 2 && args[1] == "off")
	fmt.Fprintln(c.rl.Stdout(), "Waiting for the device to answer (up to 30s)...")
	answered, err := sess.RaiseHand(signal)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Raise failed: %v\n", err)
		return
	}
	if answered {
		fmt.Fprintln(c.rl.Stdout(), "Device answered")
	} else {
		fmt.Fprintln(c.rl.Stdout(), "No answer within the window")
	}
}

func (c *Console) cmdSignal(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: signal <id> on|off")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	if err := sess.Signal(args[1] == "on"); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Signal failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "OK")
}

func (c *Console) cmdPing(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: ping <id>")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	lastHeard, alive := sess.Ping()
	status := "alive"
	if !alive {
		status = "disconnected"
	}
	fmt.Fprintf(c.rl.Stdout(), "%s: %s, last heard %s ago\n",
		sess.DeviceID(), status, time.Since(lastHeard).Round(time.Second))
}

func (c *Console) cmdSub(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: sub <prefix>")
		return
	}
	if c.bus == nil {
		fmt.Fprintln(c.rl.Stdout(), "No event bus configured")
		return
	}

	sub := c.bus.Subscribe(args[0])
	c.subs = append(c.subs, sub)
	fmt.Fprintf(c.rl.Stdout(), "Subscribed to %q\n", args[0])

	go func() {
		for event := range sub.C {
			fmt.Fprintf(c.rl.Stdout(), "\n[%s] %s = %q (device %s, ttl %d)\n",
				event.Published.Format("15:04:05"),
				event.Name, event.Data, event.DeviceID, event.TTL)
			c.rl.Refresh()
		}
	}()
}

func (c *Console) cmdPub(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: pub <name> [data]")
		return
	}
	if c.bus == nil {
		fmt.Fprintln(c.rl.Stdout(), "No event bus configured")
		return
	}

	data := strings.Join(args[1:], " ")
	if c.bus.Publish(eventbus.Event{
		Name:      args[0],
		Data:      data,
		TTL:       eventbus.DefaultTTL,
		Published: time.Now(),
	}) {
		fmt.Fprintln(c.rl.Stdout(), "Published")
	} else {
		fmt.Fprintln(c.rl.Stdout(), "Rate limited")
	}
}

func (c *Console) cmdKick(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: kick <id>")
		return
	}
	sess := c.resolveSession(args[0])
	if sess == nil {
		return
	}

	_ = sess.Close()
	fmt.Fprintf(c.rl.Stdout(), "Closed session for %s\n", sess.DeviceID())
}

func (c *Console) cancelSubs() {
	for _, sub := range c.subs {
		sub.Cancel()
	}
	c.subs = nil
}
