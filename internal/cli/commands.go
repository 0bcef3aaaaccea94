// Package cli implements the interactive console of a hosting netplay64
// process: tables of players, room clients and save files, and the start
// command.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/nat"
	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/room"
	"github.com/netplay64/netplay64/internal/session"
)

// Session is the read side of the hosted session.
type Session interface {
	Snapshot() session.Snapshot
}

// Room is the part of the room server the console drives.
type Room interface {
	Clients() []room.ClientInfo
	Started() bool
	StartGame(ctx context.Context) error
}

// Host is what the console shows. NAT and RoomCode may be nil.
type Host struct {
	Session  Session
	Room     Room
	NAT      interface{ Mappings() []nat.Mapping }
	RoomCode func() int32
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	host     Host
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, host Host, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		host:     host,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx ends, input closes or the user
// quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nnetplay64 console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "netplay64> ")
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])

		quit, err := c.execute(ctx, cmd, parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute processes a single command and reports whether the console
// should stop.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "players", "p":
		c.printPlayers()
	case "clients", "c":
		c.printClients()
	case "settings":
		c.printSettings()
	case "files", "f":
		c.printFiles()
	case "code":
		c.printCode()
	case "nat":
		c.printNAT()
	case "start":
		return false, c.cmdStart(ctx)
	case "setconfig":
		return false, c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down netplay64...")
		events.Publish(ctx, c.eventBus, "cli", events.EventShutdown, nil)
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\nCommands:")
	fmt.Fprintln(c.out, "  players            Show the player slot table")
	fmt.Fprintln(c.out, "  clients            Show clients connected to the room")
	fmt.Fprintln(c.out, "  settings           Show the core settings")
	fmt.Fprintln(c.out, "  files              Show stored save files")
	fmt.Fprintln(c.out, "  code               Show the rendezvous room code")
	fmt.Fprintln(c.out, "  nat                Show NAT port mappings")
	fmt.Fprintln(c.out, "  start              Start the game for every client")
	fmt.Fprintln(c.out, "  setconfig <k> <v>  Update a netplay configuration value")
	fmt.Fprintln(c.out, "  quit               Shut down")
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printPlayers() {
	snap := c.host.Session.Snapshot()

	tw := c.newTable("Slot", "Reg ID", "Plugin", "Raw")
	for slot, p := range snap.Players {
		if !p.Registered() {
			tw.Append([]string{fmt.Sprint(slot + 1), "-", "-", "-"})
			continue
		}
		tw.Append([]string{
			fmt.Sprint(slot + 1),
			fmt.Sprint(p.RegID),
			protocol.PluginName(p.Plugin),
			fmt.Sprint(p.Raw),
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "Buffer target: %d\n", snap.BufferTarget)
}

func (c *CLI) printClients() {
	clients := c.host.Room.Clients()

	tw := c.newTable("Player", "Device", "Reg ID", "Address")
	for _, cl := range clients {
		player := "-"
		if cl.Registered() {
			player = fmt.Sprint(cl.Player + 1)
		}
		tw.Append([]string{player, cl.DeviceName, fmt.Sprint(cl.RegID), cl.RemoteAddr})
	}
	tw.Render()

	if c.host.Room.Started() {
		fmt.Fprintln(c.out, "Game started.")
	}
}

func (c *CLI) printSettings() {
	s := c.host.Session.Snapshot().Settings

	tw := c.newTable("Setting", "Value")
	tw.Append([]string{"count_per_op", fmt.Sprint(s.CountPerOp)})
	tw.Append([]string{"disable_extra_mem", fmt.Sprint(s.DisableExtraMem)})
	tw.Append([]string{"si_dma_duration", fmt.Sprint(s.SiDMADuration)})
	tw.Append([]string{"emu_mode", fmt.Sprint(s.EmuMode)})
	tw.Append([]string{"no_compiled_jump", fmt.Sprint(s.NoCompiledJump)})
	tw.Render()
}

func (c *CLI) printFiles() {
	files := c.host.Session.Snapshot().Files
	if len(files) == 0 {
		fmt.Fprintln(c.out, "No save files stored.")
		return
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := c.newTable("File", "Bytes")
	for _, name := range names {
		tw.Append([]string{name, fmt.Sprint(files[name])})
	}
	tw.Render()
}

func (c *CLI) printCode() {
	var code int32
	if c.host.RoomCode != nil {
		code = c.host.RoomCode()
	}
	if code <= 0 {
		fmt.Fprintln(c.out, "No room code assigned.")
		return
	}
	fmt.Fprintf(c.out, "Room code: %d\n", code)
}

func (c *CLI) printNAT() {
	if c.host.NAT == nil {
		fmt.Fprintln(c.out, "NAT-PMP is disabled.")
		return
	}

	tw := c.newTable("Protocol", "Internal", "External", "Expires")
	for _, m := range c.host.NAT.Mappings() {
		tw.Append([]string{
			m.Protocol,
			fmt.Sprint(m.InternalPort),
			m.ExternalAddr(),
			m.Expires.Format("15:04:05"),
		})
	}
	tw.Render()
}

func (c *CLI) cmdStart(ctx context.Context) error {
	if err := c.host.Room.StartGame(ctx); err != nil {
		if errors.Is(err, room.ErrAlreadyStarted) {
			return fmt.Errorf("the game is already running")
		}
		return err
	}
	fmt.Fprintf(c.out, "Game started for %d client(s)\n", len(c.host.Room.Clients()))
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := strings.Join(args[1:], " ")

	// Numbers and booleans are typed as JSON; anything else is a string.
	var typed interface{}
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}

	previous := c.cfg.GetNetplay()
	if err := c.cfg.UpdateNetplayField(key, typed); err != nil {
		if err = c.cfg.UpdateNetplayField(key, value); err != nil {
			return err
		}
	}
	if result := config.ValidateNetplay(c.cfg.GetNetplay()); !result.IsValid() {
		c.cfg.SetNetplay(previous)
		return result.Errors[0]
	}

	if err := c.cfg.Save(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Config updated: %s = %s (applies to the next session)\n", key, value)
	return nil
}
