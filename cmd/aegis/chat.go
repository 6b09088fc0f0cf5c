package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	aegis "github.com/aegis-audit/aegis/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	conversationsJSON bool
	contactsJSON      bool
)

// ============================================================================
// conversations / contacts
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			convs, err := e.Rooms.Conversations(ctx)
			if err != nil {
				return err
			}
			if conversationsJSON {
				return printJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			self := e.Session.Snapshot().Identity.ID
			for _, c := range convs {
				with := "(everyone)"
				if p := c.Peer(self); p != nil {
					with = p.Name
				}
				fmt.Printf("%-26s %-8s %s\n", c.Room(), c.Type, with)
			}
			return nil
		})
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List users you can open a private chat with",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			users, err := e.Rooms.Contacts(ctx)
			if err != nil {
				return err
			}
			if contactsJSON {
				return printJSON(users)
			}
			if len(users) == 0 {
				fmt.Println("No contacts found.")
				return nil
			}
			for _, u := range users {
				fmt.Printf("%-26s %-11s %s\n", u.ID, u.Role, u.Name)
			}
			return nil
		})
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat rooms",
	Long:  "Join a chat room and send each line read from stdin as a message. Press Ctrl+C to leave.",
}

var chatGeneralCmd = &cobra.Command{
	Use:   "general",
	Short: "Join the public room",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			return joinAndChat(e, func(ctx context.Context) (*aegis.RoomView, error) {
				return e.Rooms.Join(ctx, aegis.GeneralRoom)
			})
		})
	},
}

var chatPrivateCmd = &cobra.Command{
	Use:   "private <conversation-id>",
	Short: "Join an existing private conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			return joinAndChat(e, func(ctx context.Context) (*aegis.RoomView, error) {
				return e.Rooms.Join(ctx, aegis.RoomID(args[0]))
			})
		})
	},
}

var chatStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open (or reopen) a private conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			return joinAndChat(e, func(ctx context.Context) (*aegis.RoomView, error) {
				return e.Rooms.OpenConversation(ctx, aegis.ID(args[0]))
			})
		})
	},
}

func joinAndChat(e *aegis.Engine, join func(ctx context.Context) (*aegis.RoomView, error)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	joinCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	room, err := join(joinCtx)
	cancel()
	if err != nil {
		return err
	}
	defer room.Close()

	select {
	case <-room.Ready():
	case <-ctx.Done():
		return nil
	}

	p := &chatPrinter{room: room, seen: make(map[aegis.ID]bool)}
	p.print(room.Messages())
	defer room.Subscribe(p.print)()
	defer room.Typing().Subscribe(func(status string) {
		if status != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", status)
		}
	})()

	fmt.Fprintf(os.Stderr, "Joined %s. Type a message and press Enter; Ctrl+C to leave.\n", room.ID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			room.InputChanged(line)
			if err := room.Send(ctx, line); err != nil && !errors.Is(err, aegis.ErrEmptyMessage) {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

// chatPrinter prints each message of a room log once.
type chatPrinter struct {
	room *aegis.RoomView

	mu   sync.Mutex
	seen map[aegis.ID]bool
}

func (p *chatPrinter) print(msgs []aegis.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.ID != "" {
			if p.seen[m.ID] {
				continue
			}
			p.seen[m.ID] = true
		}
		fmt.Println(formatMessage(m, p.room.IsOwn(m)))
	}
}

func formatMessage(m aegis.Message, own bool) string {
	name := m.SenderName
	if own {
		name = "Tú"
	}
	stamp := "--:--"
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		stamp = t.Local().Format("15:04")
	}
	return fmt.Sprintf("[%s] %s: %s", stamp, name, m.Content)
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	contactsCmd.Flags().BoolVar(&contactsJSON, "json", false, "Output raw JSON")

	chatCmd.AddCommand(chatGeneralCmd)
	chatCmd.AddCommand(chatPrivateCmd)
	chatCmd.AddCommand(chatStartCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(chatCmd)
}
