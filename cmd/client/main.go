package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	chunklib "github.com/AnishMulay/chunkstore/clients/library"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: client [flags] <command> [args]

Commands:
  upload <path> [name]          upload a local file
  download <name> <out> [ver]   download the latest or a given version
  download-id <id> <out>        download by file id
  meta <name> [ver]             show metadata
  versions <name>               list versions, newest first
  list                          list files

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	serverAddr := flag.String("server", "localhost:5000", "Coordinator address")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	client, err := chunklib.NewClient(*serverAddr)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, client, args); err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func parseVersion(args []string, i int) (int64, error) {
	if len(args) <= i {
		return 0, nil
	}
	v, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("version: %w", err)
	}
	return v, nil
}

func run(ctx context.Context, client *chunklib.Client, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "upload":
		if len(args) < 1 {
			return fmt.Errorf("upload needs a path")
		}
		name := filepath.Base(args[0])
		if len(args) > 1 {
			name = args[1]
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		res, err := client.Upload(ctx, name, f)
		if err != nil {
			return err
		}
		fmt.Printf("%s (version %d, %d bytes)\n", res.Message, res.Version, res.Size)

	case "download":
		if len(args) < 2 {
			return fmt.Errorf("download needs a name and an output path")
		}
		version, err := parseVersion(args, 2)
		if err != nil {
			return err
		}
		return download(ctx, client, chunklib.Selector{Name: args[0], Version: version}, args[1])

	case "download-id":
		if len(args) < 2 {
			return fmt.Errorf("download-id needs an id and an output path")
		}
		return download(ctx, client, chunklib.Selector{FileID: args[0]}, args[1])

	case "meta":
		if len(args) < 1 {
			return fmt.Errorf("meta needs a name")
		}
		version, err := parseVersion(args, 1)
		if err != nil {
			return err
		}
		m, err := client.GetMetadata(ctx, args[0], version)
		if err != nil {
			return err
		}
		fmt.Printf("name:     %s\nid:       %s\nversion:  %d\nsize:     %d\nuploaded: %s\n",
			m.FileName, m.FileID, m.Version, m.Size, m.UploadTime.Format(time.RFC3339))

	case "versions":
		if len(args) < 1 {
			return fmt.Errorf("versions needs a name")
		}
		versions, err := client.ListVersions(ctx, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tID\tSIZE\tUPLOADED")
		for _, v := range versions {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", v.Version, v.FileID, v.Size, v.UploadTime.Format(time.RFC3339))
		}
		return w.Flush()

	case "list":
		files, err := client.ListFiles(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tSIZE\tCHUNKS\tUPLOADED")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", f.FileName, f.LatestVersion, f.Size, f.ChunkCount, f.UploadTime.Format(time.RFC3339))
		}
		return w.Flush()

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// download writes to a temp file next to out and renames it on success, so a
// failed transfer leaves no truncated file.
func download(ctx context.Context, client *chunklib.Client, sel chunklib.Selector, out string) error {
	tmp, err := os.CreateTemp(filepath.Dir(out), ".chunkstore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := client.Download(ctx, sel, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes to %s\n", n, out)
	return nil
}
