package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/highlight"
	"lexicontract/api/internal/suggestion"
)

func versionFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "version",
		Usage: "version id, or latest",
		Value: "latest",
	}
}

func requireArgs(c *cli.Command, n int, usage string) error {
	if c.Args().Len() < n {
		return fmt.Errorf("usage: negotiate %s", usage)
	}
	return nil
}

func contractsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "contracts",
		Usage: "List the contracts of your organization",
		Action: func(ctx context.Context, c *cli.Command) error {
			if _, err := e.session(ctx); err != nil {
				return err
			}
			items, err := e.client.ListContracts(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(os.Stderr, "No contracts found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILENAME\tSTATUS")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\n", item.ID, item.Filename, item.NegotiationStatus)
			}
			return w.Flush()
		},
	}
}

func showCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print a version with its suggestions and comments marked",
		UsageText: "negotiate show [--version id] [--hover id] <contract-id>",
		Flags: []cli.Flag{
			versionFlag(),
			&cli.StringFlag{Name: "hover", Usage: "annotation id to emphasise"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := requireArgs(c, 1, "show <contract-id>"); err != nil {
				return err
			}
			if _, err := e.session(ctx); err != nil {
				return err
			}
			detail, err := e.client.GetVersion(ctx, c.Args().First(), c.String("version"))
			if err != nil {
				return err
			}
			fmt.Printf("%s  v%d  (%s)\n\n", detail.Contract.Filename, detail.Version.Number, detail.Version.ID)
			segments := highlight.Segments(detail.Version.FullText, detail.Suggestions, detail.Comments)
			fmt.Println(renderMarked(segments, c.String("hover")))
			fmt.Println()
			printAnnotations(os.Stdout, detail.Suggestions, detail.Comments)
			return nil
		},
	}
}

// resolveCmd builds accept or reject. The status change goes through the
// suggestion store so a failed call reports the reverted state.
func resolveCmd(e *env, verb string) *cli.Command {
	target := contract.StatusAccepted
	if verb == "reject" {
		target = contract.StatusRejected
	}
	return &cli.Command{
		Name:      verb,
		Usage:     fmt.Sprintf("Mark a suggestion %s", target),
		UsageText: fmt.Sprintf("negotiate %s [--version id] <contract-id> <suggestion-id>", verb),
		Flags:     []cli.Flag{versionFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := requireArgs(c, 2, verb+" <contract-id> <suggestion-id>"); err != nil {
				return err
			}
			if _, err := e.session(ctx); err != nil {
				return err
			}
			contractID, suggestionID := c.Args().Get(0), c.Args().Get(1)
			detail, err := e.client.GetVersion(ctx, contractID, c.String("version"))
			if err != nil {
				return err
			}
			store := suggestion.NewStore(e.client.Suggestions(contractID, detail.Version.ID), e.log)
			store.Load(detail.Suggestions)
			if err := store.RequestTransition(ctx, suggestionID, target); err != nil {
				return err
			}
			item, _ := store.Get(suggestionID)
			fmt.Printf("%s: %s\n", item.ID, item.Status)
			return nil
		},
	}
}

func commentCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "comment",
		Usage:     "Comment on a span of a version",
		UsageText: "negotiate comment [--version id] --start N --end M <contract-id> <text...>",
		Flags: []cli.Flag{
			versionFlag(),
			&cli.IntFlag{Name: "start", Usage: "span start in UTF-16 units", Required: true},
			&cli.IntFlag{Name: "end", Usage: "span end in UTF-16 units", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := requireArgs(c, 2, "comment --start N --end M <contract-id> <text...>"); err != nil {
				return err
			}
			if _, err := e.session(ctx); err != nil {
				return err
			}
			contractID := c.Args().First()
			detail, err := e.client.GetVersion(ctx, contractID, c.String("version"))
			if err != nil {
				return err
			}
			text := strings.Join(c.Args().Slice()[1:], " ")
			comment, err := e.client.CreateComment(ctx, contractID, detail.Version.ID, contract.NewSpan(c.Int("start"), c.Int("end")), text)
			if err != nil {
				return err
			}
			fmt.Printf("comment %s added\n", comment.ID)
			return nil
		},
	}
}

func generateCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Draft a clause from a short description",
		UsageText: "negotiate generate <prompt...>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := requireArgs(c, 1, "generate <prompt...>"); err != nil {
				return err
			}
			if _, err := e.session(ctx); err != nil {
				return err
			}
			text, err := e.client.GenerateClause(ctx, strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}

func exportCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Download the latest version with resolved suggestions applied",
		UsageText: "negotiate export [--format text|html|pdf] [--out file] <contract-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "text"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write to file instead of stdout"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := requireArgs(c, 1, "export <contract-id>"); err != nil {
				return err
			}
			if _, err := e.session(ctx); err != nil {
				return err
			}
			data, contentType, err := e.client.Export(ctx, c.Args().First(), c.String("format"))
			if err != nil {
				return err
			}
			out := c.String("out")
			if out == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(os.Stderr, "wrote %d bytes (%s) to %s\n", len(data), contentType, out)
			return nil
		},
	}
}
