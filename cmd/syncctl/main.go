// syncctl is a command line replica of a relay room. It can watch a room,
// set a text register or append an activity entry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"realtime-sync/internal/activity"
	"realtime-sync/internal/crdt"
	"realtime-sync/internal/presence"
	"realtime-sync/internal/syncclient"
)

const syncTimeout = 10 * time.Second

type options struct {
	url     string
	room    string
	user    string
	name    string
	color   string
	role    string
	token   string
	verbose bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return nil
	}
	command, args := args[0], args[1:]

	var opts options
	flagSet := pflag.NewFlagSet("syncctl "+command, pflag.ContinueOnError)
	flagSet.StringVar(&opts.url, "url", "ws://localhost:1234/ws", "relay websocket base url")
	flagSet.StringVar(&opts.room, "room", "project-management", "room to join")
	flagSet.StringVar(&opts.user, "user", "", "client id (generated when empty)")
	flagSet.StringVar(&opts.name, "name", "", "display name")
	flagSet.StringVar(&opts.color, "color", "", "display color")
	flagSet.StringVar(&opts.role, "role", "Editor", "role: Owner, Admin, Editor or Viewer")
	flagSet.StringVar(&opts.token, "token", "", "access token issued by the identity provider")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection details to stderr")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "watch":
		return watch(ctx, opts)
	case "set-text":
		if flagSet.NArg() != 2 {
			return errors.New("usage: syncctl set-text <name> <value>")
		}
		name, value := flagSet.Arg(0), flagSet.Arg(1)
		return once(ctx, opts, func(c *syncclient.Client) error {
			return c.SetText(name, value)
		})
	case "activity":
		if flagSet.NArg() < 1 || flagSet.NArg() > 2 {
			return errors.New("usage: syncctl activity <type> [resource]")
		}
		typ, resource := activity.Type(flagSet.Arg(0)), flagSet.Arg(1)
		return once(ctx, opts, func(c *syncclient.Client) error {
			return c.AddActivity(typ, resource)
		})
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func newClient(opts options) (*syncclient.Client, error) {
	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	return syncclient.New(syncclient.Options{
		URL:    strings.TrimSuffix(opts.url, "/") + "/" + opts.room,
		UserID: opts.user,
		Name:   opts.name,
		Color:  opts.color,
		Role:   opts.role,
		Token:  opts.token,
		Logger: &log,
	})
}

// once connects, waits for the first sync, applies fn and disconnects.
func once(ctx context.Context, opts options, fn func(c *syncclient.Client) error) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	if err := waitSynced(ctx, c, done); err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return c.Close()
}

func waitSynced(ctx context.Context, c *syncclient.Client, done <-chan error) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(syncTimeout)

	for !c.Synced() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return fmt.Errorf("connection ended before sync: %w", err)
		case <-timeout:
			return errors.New("timed out waiting for the relay")
		case <-ticker.C:
		}
	}
	return nil
}

func watch(ctx context.Context, opts options) error {
	c, err := newClient(opts)
	if err != nil {
		return err
	}

	c.OnState(func(s syncclient.State) {
		fmt.Printf("[state] %s\n", s)
	})
	c.OnChange(func(ev crdt.Event) {
		origin := "remote"
		if ev.Local {
			origin = "local"
		}
		fmt.Printf("[doc:%s] content=%q\n", origin, c.Text("content"))
		if entries, err := c.Activities(); err == nil && len(entries) > 0 {
			last := entries[len(entries)-1]
			fmt.Printf("[activity] %d entries, latest %s by %s on %s\n", len(entries), last.Type, last.UserName, last.Resource)
		}
	})
	c.OnPresence(func(peers map[string]presence.State) {
		fmt.Printf("[presence] %d peers\n", len(peers))
		for id, p := range peers {
			cursor := "-"
			switch {
			case p.Cursor == nil:
			case p.Cursor.Kind == presence.KindSelection:
				cursor = fmt.Sprintf("selection %d..%d", p.Cursor.Start, p.Cursor.End)
			default:
				cursor = fmt.Sprintf("pointer %.0f,%.0f", p.Cursor.X, p.Cursor.Y)
			}
			fmt.Printf("  %s %s cursor=%s\n", id, p.User.Name, cursor)
		}
	})

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printUsage() {
	fmt.Fprint(os.Stderr, `syncctl - command line client for the realtime sync relay

Usage:
  syncctl watch [flags]
  syncctl set-text <name> <value> [flags]
  syncctl activity <type> [resource] [flags]

Flags:
  --url      relay websocket base url (default ws://localhost:1234/ws)
  --room     room to join (default project-management)
  --user     client id
  --name     display name
  --color    display color
  --role     Owner, Admin, Editor or Viewer (default Editor)
  --token    access token
  -v         verbose logging
`)
}
