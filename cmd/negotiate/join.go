package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"lexicontract/api/internal/apiclient"
	"lexicontract/api/internal/collab"
	"lexicontract/api/internal/commandlist"
	"lexicontract/api/internal/logging"
	"lexicontract/api/internal/negotiation"
	"lexicontract/api/internal/roomstate"
)

const joinHelp = `Type text to insert it at the caret. Lines starting with ':' are commands:
  :caret N            move the caret
  :select A B         select [A, B)
  :back               delete backwards
  :up :down :enter :esc   drive the command menu
  :accept ID          accept a suggestion
  :reject ID          reject a suggestion
  :comment TEXT       comment on the selection
  :generate PROMPT    draft a clause at the caret
  :show               print the document
  :peers              list collaborators
  :quit               leave the room`

func joinCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "join",
		Usage:     "Edit a version together with other negotiators",
		UsageText: "negotiate join [--version id] <contract-id>",
		Flags: []cli.Flag{
			versionFlag(),
			&cli.DurationFlag{Name: "sync-timeout", Value: 2 * time.Second, Usage: "how long to wait for the room before seeding"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := requireArgs(c, 1, "join <contract-id>"); err != nil {
				return err
			}
			sess, err := e.session(ctx)
			if err != nil {
				return err
			}
			contractID := c.Args().First()
			detail, err := e.client.GetVersion(ctx, contractID, c.String("version"))
			if err != nil {
				return err
			}

			roomsOpts := collab.RoomsOptions{Log: e.log}
			if e.flags.SeedGuard {
				if e.flags.RedisURL == "" {
					return errors.New("--seed-guard needs --redis")
				}
				guard, err := roomstate.NewStore(e.flags.RedisURL)
				if err != nil {
					return fmt.Errorf("seed guard: %w", err)
				}
				e.closers = append(e.closers, func() { _ = guard.Close() })
				roomsOpts.Guard = guard
			}
			rooms := collab.NewRooms(collab.RelayFactory(collab.RelayOptions{
				URL:         e.flags.RelayURL,
				SyncTimeout: c.Duration("sync-timeout"),
				Log:         logging.Component(e.log, "relay"),
			}), roomsOpts)

			name := firstNonEmpty(sess.UserName, e.flags.Email)
			room, err := negotiation.OpenRoom(ctx, detail, negotiation.Options{
				Rooms:      rooms,
				Backend:    e.client,
				User:       negotiation.Identity{ID: firstNonEmpty(sess.UserID, name), Name: name},
				Palette:    e.palette(),
				Candidates: e.candidates(),
				Log:        e.log,
			})
			if err != nil {
				return err
			}
			defer room.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				err := e.client.Subscribe(ctx, contractID, func(ev apiclient.RoomEvent) {
					if err := room.ApplyEvent(negotiation.Event{Type: ev.Type, Data: ev.Data}); err != nil {
						e.log.Warn().Err(err).Msg("room event")
					}
				})
				if err != nil {
					e.log.Warn().Err(err).Msg("room events unavailable")
				}
			}()

			fmt.Printf("joined %s v%d\n%s\n\n", detail.Contract.Filename, detail.Version.Number, joinHelp)
			return repl(ctx, room, os.Stdin, os.Stdout)
		},
	}
}

// repl reads lines from in until EOF or :quit.
func repl(ctx context.Context, room *negotiation.Room, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		if room.GeneratorOpen() {
			fmt.Fprint(out, "clause> ")
		} else {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if room.GeneratorOpen() && !strings.HasPrefix(line, ":") {
			if err := room.GenerateClause(ctx, line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			continue
		}
		quit, err := step(ctx, room, line, out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		if overlay := room.Editor().Overlay(); overlay.Open {
			for _, l := range overlay.Lines {
				fmt.Fprintf(out, "  %s\n", l)
			}
		}
	}
}

func step(ctx context.Context, room *negotiation.Room, line string, out io.Writer) (bool, error) {
	ed := room.Editor()
	if !strings.HasPrefix(line, ":") {
		return false, ed.Type(line)
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "q":
		return true, nil
	case "caret":
		pos, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("caret: %w", err)
		}
		ed.MoveCaret(pos)
	case "select":
		fields := strings.Fields(arg)
		if len(fields) != 2 {
			return false, errors.New("select needs two offsets")
		}
		anchor, err := strconv.Atoi(fields[0])
		if err != nil {
			return false, fmt.Errorf("select: %w", err)
		}
		head, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("select: %w", err)
		}
		ed.Select(anchor, head)
	case "back":
		return false, ed.Backspace()
	case "up", "down", "enter", "esc":
		keys := map[string]commandlist.Key{
			"up":    commandlist.KeyUp,
			"down":  commandlist.KeyDown,
			"enter": commandlist.KeyEnter,
			"esc":   commandlist.KeyEscape,
		}
		_, err := ed.Key(keys[cmd])
		if cmd == "esc" && room.GeneratorOpen() {
			room.CloseGenerator()
		}
		return false, err
	case "accept":
		return false, room.Accept(ctx, arg)
	case "reject":
		return false, room.Reject(ctx, arg)
	case "comment":
		comment, err := room.AddComment(ctx, arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "comment %s added\n", comment.ID)
	case "generate":
		if arg == "" {
			room.OpenGenerator()
			return false, nil
		}
		return false, room.GenerateClause(ctx, arg)
	case "show":
		fmt.Fprintln(out, renderMarked(room.Segments(), ""))
		fmt.Fprintln(out, renderCaret(room.Text(), ed.Selection()))
		printAnnotations(out, room.Suggestions().List(), room.Comments())
	case "peers":
		carets := ed.RemoteCarets()
		if len(carets) == 0 {
			fmt.Fprintln(out, "nobody else is here")
		}
		for _, c := range carets {
			fmt.Fprintf(out, "%s (%s) at %d..%d\n", c.Name, c.Color, c.Anchor, c.Head)
		}
	case "help":
		fmt.Fprintln(out, joinHelp)
	default:
		return false, fmt.Errorf("unknown command :%s", cmd)
	}
	return false, nil
}
