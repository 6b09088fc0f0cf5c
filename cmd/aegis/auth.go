package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	aegis "github.com/aegis-audit/aegis/sdk/golang"
	"github.com/spf13/cobra"
)

var authPassword string

func init() {
	loginCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (defaults to AEGIS_PASSWORD, then stdin)")
	registerCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Password (defaults to AEGIS_PASSWORD, then stdin)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword()
		if err != nil {
			return err
		}
		return authenticate(func(ctx context.Context, s *aegis.Session) error {
			return s.Login(ctx, args[0], password)
		})
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <name> <email>",
	Short: "Create an account and store the session token",
	Long:  "Register a new account with the Aegis server. New accounts start with the revisor role.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword()
		if err != nil {
			return err
		}
		return authenticate(func(ctx context.Context, s *aegis.Session) error {
			return s.Register(ctx, args[0], args[1], password)
		})
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		e.Session.Logout()
		fmt.Println("Logged out.")
		return nil
	},
}

// authenticate runs a login-style call and reports the resulting identity.
func authenticate(fn func(ctx context.Context, s *aegis.Session) error) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := fn(ctx, e.Session); err != nil {
		return err
	}
	snap := e.Session.Snapshot()
	if err := rememberIdentity(snap.Identity); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println("Signed in.")
	fmt.Printf("  User ID: %s\n", snap.Identity.ID)
	fmt.Printf("  Name:    %s\n", snap.Identity.Name)
	fmt.Printf("  Role:    %s\n", snap.Identity.Role)
	if !e.Connection.Live() {
		fmt.Printf("  Realtime: unavailable (%v)\n", e.Connection.LastError())
	}
	return nil
}

func readPassword() (string, error) {
	if authPassword != "" {
		return authPassword, nil
	}
	if pw := os.Getenv("AEGIS_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("empty password")
	}
	return pw, nil
}
