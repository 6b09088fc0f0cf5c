package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	aegis "github.com/aegis-audit/aegis/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	notificationsJSON       bool
	notificationsUnreadOnly bool
)

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"n"},
	Short:   "Notification feed commands",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			items := e.Notifications.Items()
			if notificationsUnreadOnly {
				unread := items[:0]
				for _, n := range items {
					if !n.Read {
						unread = append(unread, n)
					}
				}
				items = unread
			}

			if notificationsJSON {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("No notifications.")
				return nil
			}
			for _, n := range items {
				printNotification(n)
			}
			fmt.Printf("\n%d unread\n", e.Notifications.UnreadCount())
			return nil
		})
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := e.Notifications.MarkAllRead(ctx); err != nil {
				return err
			}
			fmt.Printf("Marked %d notifications as read.\n", len(e.Notifications.Items()))
			return nil
		})
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <notification-id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := e.Notifications.Delete(ctx, aegis.ID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Deleted notification %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print notifications as they arrive",
	Long:  "Keep a realtime connection open and print each new notification until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(e *aegis.Engine) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			var mu sync.Mutex
			seen := make(map[aegis.ID]bool)
			for _, n := range e.Notifications.Items() {
				seen[n.ID] = true
			}
			unsubscribe := e.Notifications.Subscribe(func(items []aegis.Notification) {
				mu.Lock()
				defer mu.Unlock()
				for i := len(items) - 1; i >= 0; i-- {
					if n := items[i]; !seen[n.ID] {
						seen[n.ID] = true
						printNotification(n)
					}
				}
			})
			defer unsubscribe()

			fmt.Fprintf(os.Stderr, "Watching notifications (%d unread). Press Ctrl+C to stop.\n", e.Notifications.UnreadCount())
			<-ctx.Done()
			return nil
		})
	},
}

func printNotification(n aegis.Notification) {
	mark := " "
	if !n.Read {
		mark = "*"
	}
	line := fmt.Sprintf("%s [%s] %s", mark, n.ID, n.Message)
	if n.Severity != "" {
		line += fmt.Sprintf(" (%s)", n.Severity)
	}
	if n.CreatedAt != "" {
		line += "  " + n.CreatedAt
	}
	fmt.Println(line)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsListCmd.Flags().BoolVar(&notificationsUnreadOnly, "unread", false, "Show only unread notifications")

	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	notificationsCmd.AddCommand(notificationsDeleteCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(watchCmd)
}
