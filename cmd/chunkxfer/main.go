// Package main is the chunkxfer client CLI.
//
// Usage:
//
//	chunkxfer [global options] <command> [arguments]
//
// Exit codes:
//   - 0: success
//   - 1: error
//   - 2: some chunks failed; run `retry` to finish the upload
//   - 3: invalid configuration
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const (
	exitError   = 1
	exitPartial = 2
	exitConfig  = 3
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:           "chunkxfer",
		Usage:          "Chunked file transfer against a block store and a metadata service",
		Flags:          globalFlags(),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			uploadCommand(),
			downloadCommand(),
			retryCommand(),
			listCommand(),
			infoCommand(),
			deleteCommand(),
			healthCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitError)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitError)
}
