package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dvloznov/audible-etl/internal/app"
	"github.com/dvloznov/audible-etl/internal/config"
	"github.com/dvloznov/audible-etl/internal/logger"
	"github.com/dvloznov/audible-etl/internal/storage"
)

const invalidDirection = "Please input upload (u) or download (d)"

var errInvalidDirection = errors.New("invalid transfer direction")

// request is one transfer as collected from arguments and prompts.
type request struct {
	direction Direction
	localName string
	object    string
}

// blobStore is the object store a transfer runs against.
type blobStore interface {
	storage.BlobStore
	io.Closer
}

// storeFactory opens the object store once the request is known to be valid.
type storeFactory func(ctx context.Context) (blobStore, error)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	ctx, log := app.NewContext(cfg)

	open := func(ctx context.Context) (blobStore, error) {
		store, err := storage.NewGCSStore(ctx, cfg.Storage.Bucket, cfg.Storage.CredentialsFile, os.Stdout)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, open); err != nil {
		log.Fatal().Err(err).Str("bucket", cfg.Storage.Bucket).Msg("Transfer failed")
	}
}

// run collects the request and performs it. An unknown direction prints a
// hint and is not an error.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer, open storeFactory) error {
	req, err := parseArgs(args, in, out)
	if errors.Is(err, errInvalidDirection) {
		fmt.Fprintln(out, invalidDirection)
		return nil
	}
	if err != nil {
		return fmt.Errorf("run: reading transfer request: %w", err)
	}

	store, err := open(ctx)
	if err != nil {
		return fmt.Errorf("run: creating storage client: %w", err)
	}
	defer store.Close()

	return transfer(ctx, store, req)
}

// parseArgs reads `blob upload|u|download|d [-file F] [-object O]`. Anything
// not given on the command line is prompted for on in. A bad direction on
// the command line is rejected before any prompt.
func parseArgs(args []string, in io.Reader, out io.Writer) (request, error) {
	var req request
	interactive := len(args) == 0

	var direction string
	if !interactive {
		direction = args[0]
		dir, ok := ParseDirection(direction)
		if !ok {
			return req, errInvalidDirection
		}
		req.direction = dir

		fs := flag.NewFlagSet("blob", flag.ContinueOnError)
		fs.SetOutput(out)
		fs.StringVar(&req.localName, "file", "", "Local file name")
		fs.StringVar(&req.object, "object", "", "Object name inside the bucket")
		if err := fs.Parse(args[1:]); err != nil {
			return req, err
		}
	}

	scanner := bufio.NewScanner(in)
	ask := func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return strings.TrimSpace(scanner.Text()), nil
	}

	var err error
	if interactive {
		if direction, err = ask("Upload (u) or Download (d)?"); err != nil {
			return req, err
		}
	}
	if req.localName == "" {
		if req.localName, err = ask("What's local name to : "); err != nil {
			return req, err
		}
	}
	if req.object == "" {
		if req.object, err = ask("What's gcs file name:"); err != nil {
			return req, err
		}
	}

	if interactive {
		dir, ok := ParseDirection(direction)
		if !ok {
			return req, errInvalidDirection
		}
		req.direction = dir
	}
	return req, nil
}

// transfer runs the request against store.
func transfer(ctx context.Context, store storage.BlobStore, req request) error {
	log := logger.FromContext(ctx)
	log.Debug().
		Stringer("direction", req.direction).
		Str("file", req.localName).
		Str("object", req.object).
		Msg("Starting transfer")

	switch req.direction {
	case Upload:
		return store.Put(ctx, req.localName, req.object)
	case Download:
		return store.Get(ctx, req.object, req.localName)
	default:
		return fmt.Errorf("transfer: %w: %v", errInvalidDirection, req.direction)
	}
}
