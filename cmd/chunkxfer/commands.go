package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/Gammanik/chunkxfer/internal/transfer"
	"github.com/Gammanik/chunkxfer/internal/utils"
)

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a local file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "filename to register (default: base name of path)"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("path required", exitError)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := c.String("name")
			if name == "" {
				name = filepath.Base(path)
			}

			coord, log, err := newCoordinator(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			res, err := coord.Upload(c.Context, name, data)
			if res != nil {
				fmt.Fprintf(c.App.Writer, "file_id: %s\nsize:    %s\nsha256:  %s\n",
					res.File.FileID, humanize.IBytes(uint64(len(data))), utils.CalculateSHA256(data))
			}
			return transferExit(err, res != nil)
		},
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download a file by id",
		ArgsUsage: "<file-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output path (default: registered filename)"},
		},
		Action: func(c *cli.Context) error {
			fileID := c.Args().First()
			if fileID == "" {
				return cli.Exit("file-id required", exitError)
			}

			coord, log, err := newCoordinator(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			data, res, err := coord.Download(c.Context, fileID)
			if err != nil {
				return transferExit(err, false)
			}

			out := c.String("output")
			if out == "" {
				out = filepath.Base(res.File.Filename)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			sum, err := fileSHA256(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "wrote %s (%s)\nsha256: %s\n", out, humanize.IBytes(uint64(len(data))), sum)
			return nil
		},
	}
}

func retryCommand() *cli.Command {
	return &cli.Command{
		Name:        "retry",
		Usage:       "Upload the chunks of a file that are not registered yet",
		ArgsUsage:   "<file-id> <path>",
		Description: "Pass the same --chunk-size as the original upload; the local file must be unchanged.",
		Action: func(c *cli.Context) error {
			fileID, path := c.Args().Get(0), c.Args().Get(1)
			if fileID == "" || path == "" {
				return cli.Exit("file-id and path required", exitError)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			coord, log, err := newCoordinator(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			res, err := coord.Resume(c.Context, fileID, data)
			if err == nil {
				fmt.Fprintf(c.App.Writer, "%s: %d chunk(s) retried, complete\n", fileID, len(res.Chunks))
			}
			return transferExit(err, res != nil)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List files",
		Action: func(c *cli.Context) error {
			coord, log, err := newCoordinator(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			files, err := coord.List(c.Context)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE ID\tNAME\tSIZE\tCHUNKS\tCREATED")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					f.FileID, f.Filename, humanize.IBytes(uint64(f.TotalSize)), f.ChunkCount, humanize.Time(f.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Show a file and its chunks",
		ArgsUsage: "<file-id>",
		Action: func(c *cli.Context) error {
			fileID := c.Args().First()
			if fileID == "" {
				return cli.Exit("file-id required", exitError)
			}

			coord, log, err := newCoordinator(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			fh, refs, err := coord.Info(c.Context, fileID)
			if err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "file_id:  %s\nfilename: %s\nsize:     %s (%d bytes)\ncreated:  %s\nchunks:   %d\n",
				fh.FileID, fh.Filename, humanize.IBytes(uint64(fh.TotalSize)), fh.TotalSize,
				fh.CreatedAt.Format(time.RFC3339), len(refs))
			for _, r := range refs {
				fmt.Fprintf(w, "  %4d  %s\n", r.Index, r.StorageID)
			}
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a file and its chunks",
		ArgsUsage: "<file-id>",
		Action: func(c *cli.Context) error {
			fileID := c.Args().First()
			if fileID == "" {
				return cli.Exit("file-id required", exitError)
			}

			coord, log, err := newCoordinator(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := coord.Delete(c.Context, fileID); err != nil {
				return transferExit(err, false)
			}
			fmt.Fprintf(c.App.Writer, "deleted %s\n", fileID)
			return nil
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check both services",
		Action: func(c *cli.Context) error {
			coord, log, err := newCoordinator(c)
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := coord.Health(c.Context); err != nil {
				return cli.Exit(err.Error(), exitError)
			}
			fmt.Fprintln(c.App.Writer, "ok")
			return nil
		},
	}
}

// transferExit maps a transfer error to an exit code. Partial failures of
// an upload that created its file record exit with exitPartial so scripts
// can follow up with retry.
func transferExit(err error, resumable bool) error {
	if err == nil {
		return nil
	}
	var pf *transfer.PartialFailureError
	if !errors.As(err, &pf) {
		return cli.Exit(err.Error(), exitError)
	}
	if resumable {
		return cli.Exit(fmt.Sprintf("%v\nrun: chunkxfer retry %s <path>", err, pf.FileID), exitPartial)
	}
	return cli.Exit(err.Error(), exitPartial)
}

// fileSHA256 hashes the file as written to disk.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return utils.CalculateFileSHA256(f)
}
