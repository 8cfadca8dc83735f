// Package main is a command line client for the edgecam control API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	goahttp "goa.design/goa/v3/http"

	"edgecam/internal/control"
)

func main() {
	app := &cli.App{
		Name:  "edgecam-cli",
		Usage: "control a running edgecam daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Value:   "http://localhost:8090",
				Usage:   "daemon control API",
				EnvVars: []string{"EDGECAM_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token from the login command",
				EnvVars: []string{"EDGECAM_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "request timeout",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "print request and response details",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "obtain a bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Value: "admin"},
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"EDGECAM_PASSWORD"}},
				},
				Action: withClient(func(c *cli.Context, cl *client) error {
					resp, err := cl.login(c.Context, c.String("username"), c.String("password"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, resp.Token)
					return nil
				}),
			},
			{
				Name:  "timer",
				Usage: "start, stop or fire the cycle timer",
				Subcommands: []*cli.Command{
					timerCommand("start", "arm the timer"),
					timerCommand("stop", "disarm the timer"),
					timerCommand("run", "run one cycle now"),
				},
			},
			{
				Name:  "schedule",
				Usage: "change due and/or period",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "due", Usage: "delay before the first cycle, e.g. 10s or 00:00:10"},
					&cli.StringFlag{Name: "period", Usage: "interval between cycles, 0 for one-shot"},
				},
				Action: withClient(func(c *cli.Context, cl *client) error {
					var desired control.DesiredState
					if c.IsSet("due") {
						v := c.String("due")
						desired.Due = &v
					}
					if c.IsSet("period") {
						v := c.String("period")
						desired.Period = &v
					}
					if desired.Due == nil && desired.Period == nil {
						return cli.Exit("at least one of --due and --period is required", 2)
					}
					applied, err := cl.schedule(c.Context, desired)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, applied)
				}),
			},
			{
				Name:  "status",
				Usage: "show scheduler status",
				Action: withClient(func(c *cli.Context, cl *client) error {
					st, err := cl.status(c.Context)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, st)
				}),
			},
			{
				Name:  "cycles",
				Usage: "list recently journaled cycles",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 10},
				},
				Action: withClient(func(c *cli.Context, cl *client) error {
					records, err := cl.cycles(c.Context, c.Int("limit"))
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, records)
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func timerCommand(action, usage string) *cli.Command {
	return &cli.Command{
		Name:  action,
		Usage: usage,
		Action: withClient(func(c *cli.Context, cl *client) error {
			if err := cl.timer(c.Context, action); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "timer %s: ok\n", action)
			return nil
		}),
	}
}

// withClient builds the API client from the global flags and, with
// --verbose, dumps the exchanged requests once the command finished
func withClient(fn func(c *cli.Context, cl *client) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cl, err := newClient(c.String("url"), c.String("token"), c.Duration("timeout"), c.Bool("verbose"))
		if err != nil {
			return err
		}
		if dd, ok := cl.doer.(goahttp.DebugDoer); ok {
			defer dd.Fprint(os.Stderr)
		}
		return fn(c, cl)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
