// Command cgirun runs a single CGI script the way the gateway would and
// prints what the gateway would have sent back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/identity"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "cgirun",
		Usage: "run CGI scripts outside the gateway",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "invoke a script once and print its response",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "script", Aliases: []string{"s"}, Usage: "script file to run", Required: true},
					&cli.StringFlag{Name: "interpreter", Aliases: []string{"i"}, Usage: "program that runs the script, e.g. php-cgi"},
					&cli.StringFlag{Name: "method", Aliases: []string{"X"}, Value: "GET", Usage: "request method"},
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "QUERY_STRING, without the leading ?"},
					&cli.StringFlag{Name: "path-info", Usage: "PATH_INFO appended to the script name"},
					&cli.StringFlag{Name: "body-file", Aliases: []string{"d"}, Usage: "file sent as the request body, - for stdin"},
					&cli.StringFlag{Name: "cookie", Aliases: []string{"b"}, Usage: "Cookie header value"},
					&cli.StringSliceFlag{Name: "header", Aliases: []string{"H"}, Usage: "extra request header, Name: value"},
					&cli.StringSliceFlag{Name: "env", Aliases: []string{"e"}, Usage: "extra environment variable, NAME=value"},
					&cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Value: 30 * time.Second, Usage: "spawn-to-exit deadline"},
					&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print the meta-variables passed to the script"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runScript(ctx, runOptions{
						Script:      cmd.String("script"),
						Interpreter: cmd.String("interpreter"),
						Method:      cmd.String("method"),
						Query:       cmd.String("query"),
						PathInfo:    cmd.String("path-info"),
						BodyFile:    cmd.String("body-file"),
						Cookie:      cmd.String("cookie"),
						Headers:     cmd.StringSlice("header"),
						Env:         cmd.StringSlice("env"),
						Timeout:     cmd.Duration("timeout"),
						Verbose:     cmd.Bool("verbose"),
					}, os.Stdin, os.Stdout, os.Stderr)
				},
			},
			{
				Name:  "mint",
				Usage: "print fresh session identifiers and their Set-Cookie values",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "number of identifiers"},
					&cli.StringFlag{Name: "cookie-name", Value: identity.DefaultCookieName, Usage: "session cookie name"},
					&cli.DurationFlag{Name: "max-age", Value: time.Minute, Usage: "session cookie Max-Age"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return mint(int(cmd.Int("count")), cmd.String("cookie-name"), cmd.Duration("max-age"), os.Stdout)
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cgirun: %v\n", err)
		os.Exit(1)
	}
}
