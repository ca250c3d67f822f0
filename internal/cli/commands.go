// Package cli implements the interactive console that stands in for a game
// front end: it drives the connection, moves the player, chats, reports
// item pickups and shows the live connection status.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/connector"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/facts"
	"github.com/netplay-project/netplay/internal/game"
	"github.com/netplay-project/netplay/internal/protocol"
)

// Deps are the parts the console drives. Relay may be nil.
type Deps struct {
	Config     *config.Config
	Client     *connector.Client
	Supervisor *connector.Supervisor
	Session    *game.Session
	Relay      *facts.Relay
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg        *config.Config
	eventBus   *events.EventBus
	client     *connector.Client
	supervisor *connector.Supervisor
	session    *game.Session
	relay      *facts.Relay

	in     io.Reader
	outMu  sync.Mutex
	out    io.Writer
	prompt string
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(deps Deps, in io.Reader, out io.Writer) *CLI {
	c := &CLI{
		cfg:        deps.Config,
		eventBus:   deps.Client.Bus(),
		client:     deps.Client,
		supervisor: deps.Supervisor,
		session:    deps.Session,
		relay:      deps.Relay,
		in:         in,
		out:        out,
		prompt:     "netplay> ",
	}

	if c.session != nil {
		c.session.OnChat(func(l game.ChatLine) {
			c.printf("[%s] %s: %s\n", l.At.Format("15:04"), l.Username, l.Text)
		})
		c.session.OnNotice(func(msg string) {
			c.printf("* %s\n", msg)
		})
	}
	return c
}

// Start runs the command loop until ctx ends or the input is exhausted.
func (c *CLI) Start(ctx context.Context) {
	c.printf("\nnetplay console ready. Type 'help' for available commands.\n")

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
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Str("component", "cli").Msg("console input failed")
		}
	}()

	for {
		c.printf("%s", c.prompt)

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			c.printf("Error: %v\n", err)
		}
	}
}

func (c *CLI) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "connect":
		return c.cmdConnect(ctx)
	case "disconnect":
		return c.client.Disconnect()
	case "reconnect":
		return c.cmdReconnect()
	case "move", "m":
		return c.cmdMove(args)
	case "chat", "say":
		return c.cmdChat(args)
	case "pickup":
		return c.cmdPickup(args)
	case "facts":
		c.printFacts()
	case "players", "who":
		c.printPlayers()
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		c.printf("Shutting down netplay...\n")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		c.printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	c.printf(`
Commands:
  status                      Show connection status
  connect                     Connect now, retrying per the reconnect policy
  disconnect                  Say goodbye and close the connection
  reconnect                   Leave offline mode and start a reconnect cycle
  move <map> <x> <y> [dir]    Move the player and report the position
  chat <text>                 Send a chat line
  pickup <map> <event>        Report an item pickup
  facts                       List known facts
  players                     List remote players
  setconfig <section.key> <v> Update a configuration value
  quit                        Shut down netplay
  help                        Show this help message

`)
}

func (c *CLI) table(header []string, rows [][]string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.AppendBulk(rows)
	tw.Render()
}

// printStatus displays the connection state in a table.
func (c *CLI) printStatus() {
	st := c.client.Status()

	session, server, since := "-", "-", "-"
	if st.Session != nil {
		session = st.Session.ID
		server = fmt.Sprintf("%s:%d (v%s)", st.Session.Host, st.Session.Port, st.Session.ServerVersion)
		since = time.Since(st.Session.ConnectedAt).Truncate(time.Second).String()
	}

	rows := [][]string{
		{"State", st.State.String()},
		{"Session", session},
		{"Server", server},
		{"Connected for", since},
		{"Inbox", strconv.Itoa(st.InboxDepth)},
	}
	if c.session != nil {
		rows = append(rows, []string{"Position", formatPosition(c.session.Position())})
	}
	if st.LastError != "" {
		rows = append(rows, []string{"Last error", st.LastError})
	}

	if c.supervisor != nil {
		sv := c.supervisor.Status()
		reconnect := "auto"
		if !sv.AutoReconnect {
			reconnect = "manual"
		}
		if sv.Offline {
			reconnect = "offline (use 'reconnect')"
		}
		rows = append(rows,
			[]string{"Reconnect", reconnect},
			[]string{"Attempt", fmt.Sprintf("%d/%d", sv.Attempt, sv.MaxAttempts)},
		)
	}

	if c.relay != nil {
		rows = append(rows,
			[]string{"Facts known", strconv.Itoa(c.relay.Store().Len())},
			[]string{"Facts pending", strconv.Itoa(len(c.relay.Outstanding()))},
		)
	}

	c.table([]string{"Field", "Value"}, rows)
}

func (c *CLI) cmdConnect(ctx context.Context) error {
	if c.client.IsConnected() {
		c.printf("Already connected\n")
		return nil
	}
	if c.supervisor == nil {
		return errors.New("no connection supervisor")
	}
	if err := c.supervisor.ConnectNow(ctx); err != nil {
		return err
	}
	if s := c.client.Session(); s != nil {
		c.printf("Connected to %s:%d as %s\n", s.Host, s.Port, s.Username)
	}
	return nil
}

func (c *CLI) cmdReconnect() error {
	if c.supervisor == nil {
		return errors.New("no connection supervisor")
	}
	c.supervisor.Reconnect()
	c.printf("Reconnection initiated\n")
	return nil
}

func (c *CLI) cmdMove(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: move <map> <x> <y> [direction]")
	}
	nums, err := parseInts(args[:min(len(args), 4)])
	if err != nil {
		return err
	}

	state := c.session.Position()
	state.MapID, state.X, state.Y = nums[0], nums[1], nums[2]
	if len(nums) > 3 {
		state.Direction = nums[3]
	}

	if err := c.session.Move(state); err != nil {
		return err
	}
	if !c.client.IsConnected() {
		c.printf("Moved offline; the position is sent on the next connect\n")
	}
	return nil
}

func (c *CLI) cmdChat(args []string) error {
	text := strings.Join(args, " ")
	if text == "" {
		return fmt.Errorf("usage: chat <text>")
	}
	return c.session.Chat(text)
}

func (c *CLI) cmdPickup(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: pickup <map> <event>")
	}
	nums, err := parseInts(args)
	if err != nil {
		return err
	}

	outcome, err := c.session.Pickup(nums[0], nums[1])
	if err != nil {
		return err
	}
	c.printf("Pickup %s: %s\n", facts.Key(nums[0], nums[1]), outcome)
	return nil
}

func (c *CLI) printFacts() {
	if c.relay == nil {
		c.printf("Fact tracking is disabled\n")
		return
	}

	pending := make(map[string]bool)
	for _, k := range c.relay.Outstanding() {
		pending[k] = true
	}

	rows := make([][]string, 0, c.relay.Store().Len())
	for _, k := range c.relay.Store().AllKeys() {
		state := "confirmed"
		if pending[k] {
			state = "pending"
		}
		rows = append(rows, []string{k, state})
	}
	c.table([]string{"Key", "State"}, rows)
}

func (c *CLI) printPlayers() {
	players := c.session.Players()
	if len(players) == 0 {
		c.printf("No other players\n")
		return
	}

	rows := make([][]string, 0, len(players))
	for _, p := range players {
		rows = append(rows, []string{
			p.Username,
			strconv.Itoa(p.MapID),
			fmt.Sprintf("%d,%d", p.X, p.Y),
		})
	}
	c.table([]string{"Player", "Map", "Position"}, rows)
}

// cmdSetConfig validates the change on a copy before applying and saving it.
func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <section.key> <value>")
	}

	section, key, ok := strings.Cut(args[0], ".")
	if !ok {
		return fmt.Errorf("key must be section.key, got %q", args[0])
	}
	raw := strings.Join(args[1:], " ")
	value := parseValue(raw)

	candidate := c.cfg.Clone()
	if err := candidate.UpdateField(section, key, value); err != nil {
		// "1234" is also a valid username.
		if _, isString := value.(string); isString {
			return err
		}
		value = raw
		if err := candidate.UpdateField(section, key, value); err != nil {
			return err
		}
	}

	result := config.Validate(candidate)
	if !result.IsValid() {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Field + ": " + e.Message
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	if err := c.cfg.UpdateField(section, key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	for _, w := range result.Warnings {
		c.printf("Warning: %s: %s\n", w.Field, w.Message)
	}
	c.eventBus.Emit(ctx, events.Event{
		Type:   events.EventConfigChanged,
		Source: "cli",
		Payload: events.ConfigChangedPayload{
			Section: section,
			Key:     key,
			Value:   value,
		},
	})
	c.printf("Config updated: %s.%s = %s\n", section, key, raw)
	return nil
}

// parseValue reads raw as a JSON scalar, falling back to the plain string.
func parseValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func parseInts(args []string) ([]int, error) {
	nums := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("not a number: %s", a)
		}
		nums[i] = n
	}
	return nums, nil
}

func formatPosition(s protocol.PositionState) string {
	return fmt.Sprintf("map %d at %d,%d", s.MapID, s.X, s.Y)
}
