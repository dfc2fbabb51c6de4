// Command kgrag ingests document chunks, builds their knowledge graph and
// answers questions from the terminal.
//
// Usage:
//
//	kgrag ingest -doc pb-fintech -chunks ./chunks.json
//	kgrag build -doc pb-fintech
//	kgrag ask -doc pb-fintech -mode auto "Who is the CEO?"
//	kgrag route "Who owns PB Fintech?"
//	kgrag stats -doc pb-fintech
//	kgrag knowledge -doc pb-fintech -subject <entity id>
//	kgrag list
//	kgrag delete -doc pb-fintech
//
// Every subcommand accepts -config (YAML or JSON), -log-level and
// -log-format (pretty, json or text).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/brunobiangulo/kgrag"
	"github.com/brunobiangulo/kgrag/logging"
	"github.com/brunobiangulo/kgrag/router"
)

const usage = `usage: kgrag <command> [flags]

commands:
  ingest     store and embed a chunks JSON file
  build      extract and save the knowledge graph
  ask        answer a question
  route      show the routing decision for a question
  stats      show document and graph statistics
  knowledge  show extracted entities, claims and definitions
  list       list documents
  delete     remove a document
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

// common holds the flags every subcommand shares.
type common struct {
	config    string
	logLevel  string
	logFormat string
	doc       string
}

func (c *common) register(fs *flag.FlagSet, withDoc bool) {
	fs.StringVar(&c.config, "config", "", "Path to config file (YAML or JSON)")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&c.logFormat, "log-format", "pretty", "pretty, json or text")
	if withDoc {
		fs.StringVar(&c.doc, "doc", "", "Document ID")
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	var c common
	fs := flag.NewFlagSet("kgrag "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)

	switch cmd {
	case "ingest":
		chunksPath := fs.String("chunks", "", "Path to chunks JSON (array of {chunk_id, text, page_number})")
		c.register(fs, true)
		if err := parse(fs, rest, &c, true); err != nil {
			return err
		}
		if *chunksPath == "" {
			return usageError(fs, "-chunks is required")
		}
		chunks, err := readChunks(*chunksPath)
		if err != nil {
			return err
		}
		return withEngine(c, stderr, func(e kgrag.Engine) error {
			report, err := e.IngestChunks(ctx, c.doc, chunks)
			if err != nil {
				return err
			}
			return printJSON(stdout, report)
		})

	case "build":
		reuse := fs.Bool("reuse", false, "Reuse saved extractions instead of calling the model again")
		c.register(fs, true)
		if err := parse(fs, rest, &c, true); err != nil {
			return err
		}
		opts := []kgrag.BuildOption{kgrag.WithProgress(func(done, total int) {
			slog.Debug("kgrag: build progress", "done", done, "total", total)
		})}
		if *reuse {
			opts = append(opts, kgrag.WithReuseExtractions())
		}
		return withEngine(c, stderr, func(e kgrag.Engine) error {
			report, err := e.Build(ctx, c.doc, opts...)
			if err != nil {
				return err
			}
			return printJSON(stdout, report)
		})

	case "ask":
		mode := fs.String("mode", "auto", "kg, vector, hybrid or auto")
		ndjson := fs.Bool("ndjson", false, "Print the raw event stream")
		c.register(fs, true)
		if err := parse(fs, rest, &c, true); err != nil {
			return err
		}
		question := strings.Join(fs.Args(), " ")
		if question == "" {
			return usageError(fs, "a question is required")
		}
		return withEngine(c, stderr, func(e kgrag.Engine) error {
			events := e.Ask(ctx, kgrag.AskRequest{DocumentID: c.doc, Question: question, Mode: *mode})
			if *ndjson {
				return kgrag.WriteNDJSON(stdout, events, nil)
			}
			return printAnswer(stdout, stderr, events)
		})

	case "route":
		c.register(fs, false)
		if err := parse(fs, rest, &c, false); err != nil {
			return err
		}
		question := strings.Join(fs.Args(), " ")
		if question == "" {
			return usageError(fs, "a question is required")
		}
		cfg, err := loadConfig(c, stderr)
		if err != nil {
			return err
		}
		return printJSON(stdout, router.New(cfg.Router.Rules).Route(question))

	case "stats":
		c.register(fs, true)
		if err := parse(fs, rest, &c, true); err != nil {
			return err
		}
		return withEngine(c, stderr, func(e kgrag.Engine) error {
			stats, err := e.Stats(ctx, c.doc)
			if err != nil {
				return err
			}
			return printJSON(stdout, stats)
		})

	case "knowledge":
		c.register(fs, true)
		subject := fs.String("subject", "", "only claims about this entity id")
		if err := parse(fs, rest, &c, true); err != nil {
			return err
		}
		return withEngine(c, stderr, func(e kgrag.Engine) error {
			k, err := e.Knowledge(ctx, c.doc, *subject)
			if err != nil {
				return err
			}
			return printJSON(stdout, k)
		})

	case "list":
		c.register(fs, false)
		if err := parse(fs, rest, &c, false); err != nil {
			return err
		}
		return withEngine(c, stderr, func(e kgrag.Engine) error {
			docs, err := e.ListDocuments(ctx)
			if err != nil {
				return err
			}
			return printJSON(stdout, docs)
		})

	case "delete":
		c.register(fs, true)
		if err := parse(fs, rest, &c, true); err != nil {
			return err
		}
		return withEngine(c, stderr, func(e kgrag.Engine) error {
			return e.Delete(ctx, c.doc)
		})

	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil

	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return errUsage
	}
}

func parse(fs *flag.FlagSet, args []string, c *common, needDoc bool) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if needDoc && c.doc == "" {
		return usageError(fs, "-doc is required")
	}
	return nil
}

func usageError(fs *flag.FlagSet, msg string) error {
	fmt.Fprintf(fs.Output(), "%s: %s\n", fs.Name(), msg)
	fs.PrintDefaults()
	return errUsage
}

func loadConfig(c common, stderr io.Writer) (kgrag.Config, error) {
	slog.SetDefault(logging.New(stderr, c.logFormat, logging.ParseLevel(c.logLevel)))
	return kgrag.LoadConfig(c.config)
}

func withEngine(c common, stderr io.Writer, fn func(kgrag.Engine) error) error {
	cfg, err := loadConfig(c, stderr)
	if err != nil {
		return err
	}
	e, err := kgrag.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func readChunks(path string) ([]kgrag.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	var chunks []kgrag.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return chunks, nil
}

// printAnswer writes status lines to stderr and the answer to stdout.
func printAnswer(stdout, stderr io.Writer, events <-chan kgrag.Event) error {
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case kgrag.EventStatus:
			fmt.Fprintln(stderr, "…", ev.Msg)
		case kgrag.EventToken:
			fmt.Fprint(stdout, ev.Content)
		case kgrag.EventError:
			streamErr = &kgrag.StreamError{Msg: ev.Msg}
		case kgrag.EventDone:
			fmt.Fprintln(stdout)
		}
	}
	return streamErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
