// Package cli implements the interactive operator console. It shows the
// session slot, bound participants and channels, and forwards moderation
// commands to the session manager.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/voicecraft-project/mccomm/internal/channel"
	"github.com/voicecraft-project/mccomm/internal/config"
	"github.com/voicecraft-project/mccomm/internal/db"
	"github.com/voicecraft-project/mccomm/internal/events"
	"github.com/voicecraft-project/mccomm/internal/participant"
	"github.com/voicecraft-project/mccomm/internal/session"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	sessions *session.Manager
	registry *participant.Registry
	channels *channel.Store
	audit    *db.AuditLog

	in  io.Reader
	out io.Writer
}

// NewCLI creates a new CLI handler. audit may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, sessions *session.Manager,
	registry *participant.Registry, channels *channel.Store, audit *db.AuditLog) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		sessions: sessions,
		registry: registry,
		channels: channels,
		audit:    audit,
		in:       os.Stdin,
		out:      os.Stdout,
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nMCComm CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

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
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "mccomm> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parts := strings.Fields(line)
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "participants", "p":
		if len(args) > 0 {
			return c.printParticipant(args[0])
		}
		c.printParticipants()
	case "channels", "c":
		c.printChannels()
	case "pending":
		c.printPending()
	case "addkey":
		return c.cmdAddKey(args)
	case "mute", "unmute", "deafen", "undeafen", "kick":
		return c.cmdModerate(cmd, args)
	case "move":
		return c.cmdMove(args)
	case "logout":
		c.sessions.Logout()
		fmt.Fprintln(c.out, "Session closed")
	case "audit":
		return c.printAudit(args)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down MCComm...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                     MCComm CLI Commands                      ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status              Show the session slot                   ║")
	fmt.Fprintln(c.out, "║  participants [id]   List participants or show one           ║")
	fmt.Fprintln(c.out, "║  channels            List channels and effective settings    ║")
	fmt.Fprintln(c.out, "║  pending             List pending binding keys               ║")
	fmt.Fprintln(c.out, "║  addkey <key> [id]   Announce a binding key                  ║")
	fmt.Fprintln(c.out, "║  mute|unmute <id>    Server-mute a participant               ║")
	fmt.Fprintln(c.out, "║  deafen|undeafen <id> Server-deafen a participant            ║")
	fmt.Fprintln(c.out, "║  kick <id>           Disconnect a participant                ║")
	fmt.Fprintln(c.out, "║  move <id> <chan>    Move a participant to a channel         ║")
	fmt.Fprintln(c.out, "║  logout              Close the current session               ║")
	fmt.Fprintln(c.out, "║  audit [n]           Show the last n audit entries           ║")
	fmt.Fprintln(c.out, "║  setconfig <k> <v>   Update a configuration value            ║")
	fmt.Fprintln(c.out, "║  quit                Shutdown MCComm                         ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// printStatus displays the session slot.
func (c *CLI) printStatus() {
	st := c.sessions.Status()

	fmt.Fprintf(c.out, "\n  Session:      %s\n", st.State)
	if st.State == events.SessionAuthenticated {
		fmt.Fprintf(c.out, "  Remote:       %s\n", st.RemoteAddr)
		fmt.Fprintf(c.out, "  Since:        %s\n", st.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(c.out, "  Idle:         %s\n", st.IdleFor.Round(time.Millisecond))
	}
	fmt.Fprintf(c.out, "  Logins:       %d (%d failed)\n", st.Logins, st.Failed)
	fmt.Fprintf(c.out, "  Requests:     %d (%d denied)\n", st.Requests, st.Denied)
	fmt.Fprintf(c.out, "  Participants: %d\n\n", c.registry.Count())
}

// printParticipants displays all participants in a table.
func (c *CLI) printParticipants() {
	fmt.Fprintln(c.out)
	tw := c.newTable("Player", "Gamertag", "Channel", "Bitmask", "Connected", "Muted", "Deafened", "Speaking")
	for _, p := range c.registry.Snapshots() {
		tag := p.Gamertag
		if p.Fake {
			tag += " (fake)"
		}
		tw.Append([]string{
			p.PlayerID,
			tag,
			strconv.Itoa(p.ChannelID),
			fmt.Sprintf("0x%04X", uint32(p.Bitmask)),
			yesNo(p.Connected),
			yesNo(p.Muted),
			yesNo(p.Deafened),
			yesNo(p.CanSpeak()),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

// printParticipant prints detailed info for a single participant.
func (c *CLI) printParticipant(id string) error {
	p, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("participant %q not found", id)
	}
	fmt.Fprintf(c.out, "\n  Player:    %s\n", p.PlayerID)
	fmt.Fprintf(c.out, "  Gamertag:  %s\n", p.Gamertag)
	fmt.Fprintf(c.out, "  Fake:      %v\n", p.Fake)
	fmt.Fprintf(c.out, "  Channel:   %d\n", p.ChannelID)
	fmt.Fprintf(c.out, "  Bitmask:   0x%04X\n", uint32(p.Bitmask))
	fmt.Fprintf(c.out, "  Connected: %v\n", p.Connected)
	fmt.Fprintf(c.out, "  Muted:     %v\n", p.Muted)
	fmt.Fprintf(c.out, "  Deafened:  %v\n", p.Deafened)
	fmt.Fprintf(c.out, "  Bound:     %s\n", p.BoundAt.Format(time.RFC3339))
	if !p.UpdatedAt.IsZero() {
		pos := p.Position
		fmt.Fprintf(c.out, "  Dimension: %s\n", pos.DimensionID)
		fmt.Fprintf(c.out, "  Location:  %.1f, %.1f, %.1f\n", pos.Location.X, pos.Location.Y, pos.Location.Z)
		fmt.Fprintf(c.out, "  Dead:      %v\n", pos.IsDead)
		fmt.Fprintf(c.out, "  Updated:   %s\n", p.UpdatedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(c.out)
	return nil
}

// printChannels lists channels with their effective settings.
func (c *CLI) printChannels() {
	def := c.channels.GetDefault()
	fmt.Fprintf(c.out, "\n  Default: distance=%d proximity=%v effects=%v\n\n",
		def.ProximityDistance, def.ProximityEnabled, def.VoiceEffectsEnabled)

	tw := c.newTable("ID", "Name", "Locked", "Hidden", "Distance", "Proximity", "Effects", "Override")
	for _, ch := range c.channels.List() {
		eff, err := c.channels.GetEffectiveSettings(ch.ID)
		if err != nil {
			continue
		}
		tw.Append([]string{
			strconv.Itoa(ch.ID),
			ch.Name,
			yesNo(ch.Locked),
			yesNo(ch.Hidden),
			strconv.Itoa(eff.ProximityDistance),
			yesNo(eff.ProximityEnabled),
			yesNo(eff.VoiceEffectsEnabled),
			yesNo(ch.Override != nil),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

// printPending lists binding keys announced but not yet used.
func (c *CLI) printPending() {
	fmt.Fprintln(c.out)
	tw := c.newTable("Key", "Player", "Age")
	now := time.Now()
	for _, k := range c.registry.PendingKeys() {
		player := k.PlayerID
		if player == "" {
			player = "-"
		}
		tw.Append([]string{k.Key, player, now.Sub(k.CreatedAt).Round(time.Second).String()})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdAddKey(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: addkey <key> [player]")
	}
	player := ""
	if len(args) > 1 {
		player = args[1]
	}
	if err := c.registry.AddPendingKey(args[0], player); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Binding key %s announced\n", args[0])
	return nil
}

var moderationCommands = map[string]events.ModerationAction{
	"mute":     events.ActionMute,
	"unmute":   events.ActionUnmute,
	"deafen":   events.ActionDeafen,
	"undeafen": events.ActionUndeafen,
	"kick":     events.ActionDisconnect,
}

func (c *CLI) cmdModerate(cmd string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <player>", cmd)
	}
	action := moderationCommands[cmd]
	if err := c.sessions.Moderate(args[0], action, "admin"); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s applied to %s\n", action, args[0])
	return nil
}

func (c *CLI) cmdMove(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: move <player> <channel>")
	}
	ch, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid channel: %s", args[1])
	}
	if err := c.sessions.Move(args[0], ch); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s moved to channel %d\n", args[0], ch)
	return nil
}

// printAudit shows the most recent audit entries.
func (c *CLI) printAudit(args []string) error {
	if c.audit == nil {
		return errors.New("audit log disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	entries, err := c.audit.Recent(db.AuditFilter{Limit: limit})
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out)
	tw := c.newTable("Time", "Type", "Player", "Actor", "Detail")
	for _, e := range entries {
		tw.Append([]string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Type,
			e.PlayerID,
			e.Actor,
			string(e.Detail),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := parseValue(strings.Join(args[1:], " "))

	if err := c.cfg.UpdateMCCommField(key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Section: "mccomm", Key: key, Value: value},
	})
	fmt.Fprintf(c.out, "Config updated: %s = %v (takes effect on restart)\n", key, value)
	return nil
}

// parseValue treats JSON literals (numbers, booleans) as typed values and
// anything else as a plain string.
func parseValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
