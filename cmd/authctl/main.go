// Command authctl manages accounts directly against the configured stores.
//
//	authctl signup <username> [-role admin]
//	authctl status <username>
//	authctl logout <username>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"auth-service/internal/app"
	"auth-service/internal/auth"
	"auth-service/internal/config"
	"auth-service/internal/directory"
	"auth-service/internal/observability"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "authctl:", err)
		os.Exit(1)
	}
}

func usage() error {
	return errors.New("usage: authctl <signup|status|logout> <username> [-role name]")
}

func run(args []string, out io.Writer) error {
	if len(args) < 2 {
		return usage()
	}
	command, username := args[0], strings.TrimSpace(args[1])
	switch command {
	case "signup", "status", "logout":
	default:
		return usage()
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	role := fs.String("role", "user", "role for new accounts")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	cfg, err := config.Load(true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	core, err := app.NewCore(ctx, cfg, observability.NewLoggerTo(io.Discard))
	if err != nil {
		return err
	}
	defer core.Close()

	switch command {
	case "signup":
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		account, err := core.Service.Signup(ctx, auth.SignupInput{
			Username: username,
			Password: password,
			Role:     []string{*role},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "created %s id=%s role=%s\n", account.Username, account.ID, strings.Join(account.Role, ","))
		return nil

	case "status":
		account, err := core.Users.FindByUsername(ctx, username)
		if err != nil {
			return lookupError(username, err)
		}
		printStatus(out, account, time.Now())
		return nil

	case "logout":
		account, err := core.Users.FindByUsername(ctx, username)
		if err != nil {
			return lookupError(username, err)
		}
		if err := core.Service.Logout(ctx, account.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "session for %s invalidated\n", account.Username)
		return nil
	}

	return usage()
}

func printStatus(out io.Writer, account directory.Account, now time.Time) {
	fmt.Fprintf(out, "id:             %s\n", account.ID)
	fmt.Fprintf(out, "username:       %s\n", account.Username)
	fmt.Fprintf(out, "role:           %s\n", strings.Join(account.Role, ","))
	fmt.Fprintf(out, "login attempts: %d\n", account.LoginAttempts)
	switch {
	case account.IsLocked(now):
		fmt.Fprintf(out, "locked until:   %s\n", account.LockUntil.UTC().Format(time.RFC3339))
	case account.LockUntil != nil:
		fmt.Fprintf(out, "locked:         no (expired %s)\n", account.LockUntil.UTC().Format(time.RFC3339))
	default:
		fmt.Fprintln(out, "locked:         no")
	}
}

func lookupError(username string, err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("no account named %q", username)
	}
	return err
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
