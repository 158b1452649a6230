package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/margin/internal/errors"
	"github.com/hpungsan/margin/internal/ledger"
	"github.com/hpungsan/margin/internal/mcp"
	"github.com/hpungsan/margin/internal/ops"
	"github.com/hpungsan/margin/internal/supervisor"
	"github.com/hpungsan/margin/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "margin",
		Usage:   "Annotation sessions for live video commentary",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", EnvVars: []string{"MARGIN_HOME"}, Usage: "Data directory (default ~/.margin)"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Log level: debug|info|warn|error"},
		},
		Commands: []*cli.Command{
			serveCmd(),
			mcpCmd(),
			sessionsCmd(),
			notesCmd(),
			verifyCmd(),
			replayCmd(),
			exportCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP and websocket API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Bind address (default from config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port (default from config)"},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c, blobsRequired)
			if err != nil {
				return outputError(err)
			}
			defer e.Close()

			bind, port := e.cfg.HTTPBind, e.cfg.HTTPPort
			if c.IsSet("bind") {
				bind = c.String("bind")
			}
			if c.IsSet("port") {
				port = c.Int("port")
			}

			sv := supervisor.New(e.deps)
			if err := sv.Start(c.Context); err != nil {
				return outputError(err)
			}
			srv := web.NewServer(sv, e.cfg, e.hub, web.Options{
				Version:  Version,
				Bind:     bind,
				Port:     port,
				Gatherer: e.registry,
			})
			return web.Run(srv, sv, e.logger)
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools over stdio",
		Action: func(c *cli.Context) error {
			e, err := openEnv(c, blobsRequired)
			if err != nil {
				return outputError(err)
			}
			defer e.Close()

			sv := supervisor.New(e.deps)
			if err := sv.Start(c.Context); err != nil {
				return outputError(err)
			}
			runErr := mcp.Run(sv, e.cfg, Version)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sv.Shutdown(ctx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
}

// sessionsCmd creates the sessions command.
func sessionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List sessions, most recently active first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status"},
			&cli.StringFlag{Name: "video", Usage: "Filter by video ID"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max results"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Pagination offset"},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c, blobsNone)
			if err != nil {
				return outputError(err)
			}
			defer e.Close()

			output, err := ops.ListSessions(e.db, ops.ListSessionsInput{
				Status:  c.String("status"),
				VideoID: c.String("video"),
				Limit:   c.Int("limit"),
				Offset:  c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// notesCmd creates the notes command.
func notesCmd() *cli.Command {
	return &cli.Command{
		Name:      "notes",
		Usage:     "List a session's notes in video order",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "include-archived", Usage: "Include notes superseded by a merge"},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c, blobsNone)
			if err != nil {
				return outputError(err)
			}
			defer e.Close()

			output, err := ops.ListNotes(e.db, ops.ListNotesInput{
				SessionID:       c.Args().First(),
				IncludeArchived: c.Bool("include-archived"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

// verifyCmd creates the verify command.
func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Hash-check a session's ledger; exits non-zero on corruption or gaps",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "Verify every session with ledger records"},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c, blobsNone)
			if err != nil {
				return outputError(err)
			}
			defer e.Close()

			if c.Bool("all") {
				all, err := ops.VerifyAll(c.Context, e.db, ledger.New(e.db, ledger.WithLogger(e.logger)))
				if err != nil {
					return outputError(err)
				}
				if err := outputJSON(c, all); err != nil {
					return err
				}
				if !all.OK {
					return cli.Exit("ledger verification failed", 1)
				}
				return nil
			}

			output, err := ops.VerifyLedger(c.Context, e.db, e.deps.Ledger, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			if err := outputJSON(c, output); err != nil {
				return err
			}
			if !output.OK {
				return cli.Exit("ledger verification failed", 1)
			}
			return nil
		},
	}
}

// replayCmd creates the replay command.
func replayCmd() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Rebuild a note from the ledger and compare it with the logged note",
		ArgsUsage: "<note-id>",
		Action: func(c *cli.Context) error {
			e, err := openEnv(c, blobsOptional)
			if err != nil {
				return outputError(err)
			}
			defer e.Close()

			output, err := ops.ReplayNote(c.Context, e.deps, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			if err := outputJSON(c, output); err != nil {
				return err
			}
			if !output.Match {
				return cli.Exit("replayed note differs from the logged note", 1)
			}
			return nil
		},
	}
}

// exportCmd creates the export command.
func exportCmd() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Render a session's notes as Markdown or HTML",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: ops.FormatMarkdown, Usage: "md|html"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output path (default ~/.margin/exports/<session>-<time>.<format>)"},
			&cli.BoolFlag{Name: "stdout", Usage: "Write the rendered document to stdout instead of a file"},
			&cli.BoolFlag{Name: "include-archived", Usage: "Include notes superseded by a merge"},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c, blobsNone)
			if err != nil {
				return outputError(err)
			}
			defer e.Close()

			input := ops.ExportInput{
				SessionID:       c.Args().First(),
				Format:          strings.ToLower(c.String("format")),
				IncludeArchived: c.Bool("include-archived"),
			}
			if !c.Bool("stdout") {
				input.Path = c.String("output")
				if input.Path == "" {
					if input.Path, err = ops.DefaultExportPath(input.SessionID, input.Format, time.Now()); err != nil {
						return outputError(err)
					}
				}
			}

			output, err := ops.ExportNotes(e.db, e.cfg, input)
			if err != nil {
				return outputError(err)
			}
			if c.Bool("stdout") {
				_, err := fmt.Fprint(c.App.Writer, output.Content)
				return err
			}
			return outputJSON(c, output)
		},
	}
}

// Helper functions

// outputJSON writes v to the app's writer as indented JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var mErr *errors.MarginError
	if stderrors.As(err, &mErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", mErr.Code, mErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
