package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

var (
	busSender   string
	busPriority string
	busPayload  []string
	busFrom     int
	busChannel  string
	busAck      bool
	busJSON     bool
)

var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "Publish, send and read bus messages",
	Long: `Inspect and use the message bus. Every message is appended to the bus
log before delivery, so the full history can be replayed.`,
}

func requireBus() error {
	if Bus == nil {
		return fmt.Errorf("message bus not initialized")
	}
	return nil
}

func busMessagePriority() (models.MessagePriority, error) {
	p := models.MessagePriority(strings.ToUpper(busPriority))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q: must be one of CRITICAL, HIGH, NORMAL, LOW", busPriority)
	}
	return p, nil
}

var busPublishCmd = &cobra.Command{
	Use:   "publish <channel>",
	Short: "Publish a message to a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBus(); err != nil {
			return err
		}
		priority, err := busMessagePriority()
		if err != nil {
			return err
		}
		payload, err := parsePayload(busPayload)
		if err != nil {
			return err
		}
		msg, err := Bus.Publish(context.Background(), args[0], payload, busSender, priority)
		if err != nil {
			return fmt.Errorf("publishing: %w", err)
		}
		fmt.Printf("Published %s to %s\n", msg.ID, msg.Channel)
		return nil
	},
}

var busSendCmd = &cobra.Command{
	Use:   "send <agent-id>",
	Short: "Send a direct message to one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBus(); err != nil {
			return err
		}
		priority, err := busMessagePriority()
		if err != nil {
			return err
		}
		payload, err := parsePayload(busPayload)
		if err != nil {
			return err
		}
		msg, err := Bus.SendDirect(context.Background(), args[0], payload, busSender, priority)
		if err != nil {
			return fmt.Errorf("sending: %w", err)
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, msg.Recipient)
		return nil
	},
}

var busReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print logged messages from an offset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBus(); err != nil {
			return err
		}
		var match glob.Glob
		if busChannel != "" {
			g, err := glob.Compile(busChannel)
			if err != nil {
				return fmt.Errorf("invalid channel pattern %q: %w", busChannel, err)
			}
			match = g
		}

		var msgs []*models.Message
		next, err := Bus.Replay(context.Background(), busFrom, func(offset int, msg *models.Message) error {
			if match != nil && (msg.Direct() || !match.Match(msg.Channel)) {
				return nil
			}
			if busJSON {
				msgs = append(msgs, msg)
				return nil
			}
			printMessage(offset, msg)
			return nil
		})
		if err != nil {
			return fmt.Errorf("replaying bus: %w", err)
		}
		if busJSON {
			return printJSON(map[string]any{"messages": msgs, "next_offset": next})
		}
		fmt.Printf("-- next offset %d\n", next)
		return nil
	},
}

var busInboxCmd = &cobra.Command{
	Use:   "inbox <agent-id>",
	Short: "Show an agent's unconsumed direct messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBus(); err != nil {
			return err
		}
		ctx := context.Background()
		msgs, err := Bus.Poll(ctx, args[0])
		if err != nil {
			return fmt.Errorf("polling inbox: %w", err)
		}
		if busJSON {
			if err := printJSON(msgs); err != nil {
				return err
			}
		} else if len(msgs) == 0 {
			fmt.Println("Inbox empty.")
		} else {
			for i, m := range msgs {
				printMessage(i, m)
			}
		}
		if busAck {
			for _, m := range msgs {
				if err := Bus.MarkConsumed(ctx, args[0], m.ID); err != nil {
					return fmt.Errorf("acknowledging %s: %w", m.ID, err)
				}
			}
		}
		return nil
	},
}

var busChannelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Count logged messages per channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireBus(); err != nil {
			return err
		}
		counts, err := Bus.Channels(context.Background())
		if err != nil {
			return fmt.Errorf("counting channels: %w", err)
		}
		if busJSON {
			return printJSON(counts)
		}
		if len(counts) == 0 {
			fmt.Println("No messages logged.")
			return nil
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-28s %d\n", name, counts[name])
		}
		return nil
	},
}

func printMessage(offset int, m *models.Message) {
	target := "#" + m.Channel
	if m.Direct() {
		target = "@" + m.Recipient
	}
	sender := m.Sender
	if sender == "" {
		sender = "-"
	}
	fmt.Printf("%5d %s %-8s %-24s from %s", offset, m.Timestamp.Format(time.RFC3339), m.Priority, target, sender)
	if len(m.Payload) > 0 {
		keys := make([]string, 0, len(m.Payload))
		for k := range m.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, m.Payload[k]))
		}
		fmt.Printf("  %s", strings.Join(parts, " "))
	}
	fmt.Println()
}

func init() {
	for _, c := range []*cobra.Command{busPublishCmd, busSendCmd} {
		c.Flags().StringVar(&busSender, "from", "cli", "Sender id")
		c.Flags().StringVar(&busPriority, "priority", string(models.MessageNormal), "Message priority")
		c.Flags().StringSliceVar(&busPayload, "payload", nil, "Payload entries as key=value")
	}
	busReplayCmd.Flags().IntVar(&busFrom, "from", 0, "Offset to start from")
	busReplayCmd.Flags().StringVar(&busChannel, "channel", "", "Only channel messages matching this glob")
	busReplayCmd.Flags().BoolVar(&busJSON, "json", false, "Output as JSON")
	busInboxCmd.Flags().BoolVar(&busAck, "ack", false, "Mark the listed messages consumed")
	busInboxCmd.Flags().BoolVar(&busJSON, "json", false, "Output as JSON")
	busChannelsCmd.Flags().BoolVar(&busJSON, "json", false, "Output as JSON")

	busCmd.AddCommand(busPublishCmd)
	busCmd.AddCommand(busSendCmd)
	busCmd.AddCommand(busReplayCmd)
	busCmd.AddCommand(busInboxCmd)
	busCmd.AddCommand(busChannelsCmd)
	rootCmd.AddCommand(busCmd)
}
