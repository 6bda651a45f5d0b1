// Package cli implements the interactive console of xonrelay.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/xonrelay/xonrelay/internal/bridge"
	"github.com/xonrelay/xonrelay/internal/events"
	"github.com/xonrelay/xonrelay/internal/network"
	"github.com/xonrelay/xonrelay/internal/protocol"
)

// requestTimeout bounds commands that wait for a server reply.
const requestTimeout = 5 * time.Second

// consoleAuthor signs chat sent from the console.
var consoleAuthor = bridge.Author{ID: "0", Name: "console"}

var errQuit = errors.New("quit")

// Bridge is the part of the bridge manager the console drives.
type Bridge interface {
	GetAllInfo() []bridge.RelayInfo
	GetInfo(name string) (bridge.RelayInfo, error)
	Status(ctx context.Context, name string) (*protocol.StatusSnapshot, error)
	RefreshChallenge(ctx context.Context, name string) (network.Challenge, error)
	Rcon(name, command, origin string) error
	Say(name string, author bridge.Author, text string) error
	Reconnect(ctx context.Context, name string) error
	RecentChat(name string, n int) ([]bridge.ChatLine, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	eventBus *events.EventBus
	bridge   Bridge
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(eventBus *events.EventBus, b Bridge, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		bridge:   b,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is done, input ends or the user
// quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nxonrelay console ready. Type 'help' for available commands.")

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
		fmt.Fprint(c.out, "xonrelay> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				log.Debug().Str("component", "cli").Msg("console input closed")
				return
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		err := c.Execute(ctx, strings.ToLower(cmd), strings.TrimSpace(rest))
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// Execute runs one command. rest is the unsplit remainder of the line so
// rcon and say keep their spacing.
func (c *CLI) Execute(ctx context.Context, cmd, rest string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "servers", "ls":
		c.printServers()
	case "status", "s":
		return c.cmdStatus(ctx, rest)
	case "challenge":
		return c.cmdChallenge(ctx, rest)
	case "rcon":
		return c.cmdRcon(rest)
	case "say":
		return c.cmdSay(rest)
	case "chat":
		return c.cmdChat(rest)
	case "reconnect":
		return c.cmdReconnect(ctx, rest)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down xonrelay...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"servers", "List server connections"},
		{"status <name>", "Query and show server status"},
		{"challenge <name>", "Fetch a fresh rcon challenge"},
		{"rcon <name> <command>", "Send a console command"},
		{"say <name> <text>", "Relay a chat message into the game"},
		{"chat <name> [count]", "Show recent broadcasts"},
		{"reconnect <name>", "Replace the server connection"},
		{"quit", "Shutdown xonrelay"},
		{"help", "Show this help message"},
	})
	tw.Render()
}

func (c *CLI) printServers() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Name", "Address", "State", "Challenge", "Last Activity", "In", "Out", "Dropped", "Reconnects"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, info := range c.bridge.GetAllInfo() {
		row := []string{info.Name, info.Address, info.State.String(), "-", "-", "0", "0", "0", strconv.Itoa(info.Reconnects)}
		if !info.Enabled {
			row[2] = "disabled"
		}
		if st := info.Stats; st != nil {
			if st.ChallengeValid {
				row[3] = st.ChallengeAge.Round(time.Second).String()
			}
			if !st.LastActivity.IsZero() {
				row[4] = time.Since(st.LastActivity).Round(time.Second).String() + " ago"
			}
			row[5] = strconv.FormatUint(st.DatagramsIn, 10)
			row[6] = strconv.FormatUint(st.DatagramsOut, 10)
			row[7] = strconv.FormatUint(st.ChatDropped, 10)
		}
		tw.Append(row)
	}

	tw.Render()
}

// splitTarget separates the server name from the rest of the arguments.
func splitTarget(rest, usage string) (string, string, error) {
	name, args, _ := strings.Cut(rest, " ")
	if name == "" {
		return "", "", fmt.Errorf("usage: %s", usage)
	}
	return name, strings.TrimSpace(args), nil
}

func (c *CLI) cmdStatus(ctx context.Context, rest string) error {
	name, _, err := splitTarget(rest, "status <name>")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	status, err := c.bridge.Status(ctx, name)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, protocol.FormatStatus(status))
	return nil
}

func (c *CLI) cmdChallenge(ctx context.Context, rest string) error {
	name, _, err := splitTarget(rest, "challenge <name>")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if _, err := c.bridge.RefreshChallenge(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Challenge received from %s\n", name)
	return nil
}

func (c *CLI) cmdRcon(rest string) error {
	name, command, err := splitTarget(rest, "rcon <name> <command>")
	if err != nil {
		return err
	}
	if command == "" {
		return fmt.Errorf("usage: rcon <name> <command>")
	}

	if err := c.bridge.Rcon(name, command, "cli"); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent to %s\n", name)
	return nil
}

func (c *CLI) cmdSay(rest string) error {
	name, text, err := splitTarget(rest, "say <name> <text>")
	if err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("usage: say <name> <text>")
	}

	return c.bridge.Say(name, consoleAuthor, text)
}

func (c *CLI) cmdChat(rest string) error {
	name, arg, err := splitTarget(rest, "chat <name> [count]")
	if err != nil {
		return err
	}

	count := 20
	if arg != "" {
		if count, err = strconv.Atoi(arg); err != nil || count < 1 {
			return fmt.Errorf("invalid count: %s", arg)
		}
	}

	lines, err := c.bridge.RecentChat(name, count)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Fprintf(c.out, "No broadcasts from %s yet\n", name)
		return nil
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Kind", "Text"})
	tw.SetAutoWrapText(false)
	for _, l := range lines {
		tw.Append([]string{l.ReceivedAt.Format("15:04:05"), string(l.Kind), protocol.StripColors(l.Text)})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdReconnect(ctx context.Context, rest string) error {
	name, _, err := splitTarget(rest, "reconnect <name>")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := c.bridge.Reconnect(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Reconnected to %s\n", name)
	return nil
}
