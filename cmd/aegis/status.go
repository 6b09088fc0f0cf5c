package main

import (
	"context"
	"fmt"
	"time"

	aegis "github.com/aegis-audit/aegis/sdk/golang"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check if the stored token is expired, and verify it against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", baseURL(cfg))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserName != "" {
			fmt.Printf("  User:    %s (%s)\n", cfg.Auth.UserName, cfg.Auth.UserID)
			fmt.Printf("  Role:    %s\n", valueOrDefault(cfg.Auth.Role, "(unknown)"))
		} else {
			fmt.Println("  User:    (not logged in)")
		}

		token, _ := configTokenStore{}.Load()
		fmt.Printf("  Token:   %s\n", tokenStatus(token, time.Now()))
		if token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client := aegis.NewClient(token, aegis.WithBaseURL(baseURL(cfg)))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Auth.Me(ctx)
		if err != nil {
			fmt.Printf("  Error verifying token: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:  %s\n", me.Name)
		fmt.Printf("  Email: %s\n", me.Email)
		fmt.Printf("  Role:  %s\n", me.Role)

		items, err := client.Notifications.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		unread := 0
		for _, n := range items {
			if !n.Read {
				unread++
			}
		}
		fmt.Printf("  Notifications: %d (%d unread)\n", len(items), unread)
		return nil
	},
}

// tokenStatus describes a stored token without verifying its signature.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Sprintf("%s (opaque)", maskToken(token))
	}
	if claims.ExpiresAt == nil {
		return fmt.Sprintf("%s (no expiry set)", maskToken(token))
	}
	expires := claims.ExpiresAt.Time.UTC()
	if now.Before(expires) {
		return fmt.Sprintf("%s (valid, expires %s)", maskToken(token), expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s (EXPIRED %s)", maskToken(token), expires.Format(time.RFC3339))
}
