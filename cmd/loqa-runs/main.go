package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/eventstore"
	"github.com/loqalabs/loqa-narrate/internal/logging"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'list', 'events', 'prune' or 'version'")
		os.Exit(2)
	}

	var (
		configPath string
		runID      string
		limit      int
	)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	listCmd.IntVar(&limit, "limit", 20, "Maximum runs to show")

	eventsCmd := flag.NewFlagSet("events", flag.ExitOnError)
	eventsCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	eventsCmd.StringVar(&runID, "run", "", "Run ID")
	eventsCmd.IntVar(&limit, "limit", 100, "Maximum events to show")

	pruneCmd := flag.NewFlagSet("prune", flag.ExitOnError)
	pruneCmd.StringVar(&configPath, "config", "", "Path to configuration file")

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "list":
		listCmd.Parse(os.Args[2:])
		err = withStore(ctx, configPath, func(s *eventstore.Store) error {
			return runList(ctx, s, limit, os.Stdout)
		})
	case "events":
		eventsCmd.Parse(os.Args[2:])
		if runID == "" {
			fmt.Fprintln(os.Stderr, "events requires -run")
			os.Exit(2)
		}
		err = withStore(ctx, configPath, func(s *eventstore.Store) error {
			return runEvents(ctx, s, runID, limit, os.Stdout)
		})
	case "prune":
		pruneCmd.Parse(os.Args[2:])
		err = withStore(ctx, configPath, func(s *eventstore.Store) error {
			if err := s.Prune(ctx); err != nil {
				return err
			}
			fmt.Println("journal pruned")
			return nil
		})
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withStore(ctx context.Context, configPath string, fn func(*eventstore.Store) error) error {
	cfg, err := loadStoreConfig(configPath)
	if err != nil {
		return err
	}
	store, err := eventstore.Open(ctx, cfg, logging.New("warn", "text"))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// loadStoreConfig reads only the journal section; synthesis settings are
// not validated.
func loadStoreConfig(path string) (config.EventStoreConfig, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return config.EventStoreConfig{}, err
	}
	return cfg.EventStore, nil
}

func runList(ctx context.Context, s *eventstore.Store, limit int, out io.Writer) error {
	runs, err := s.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tCHUNKS\tSTARTED\tOUTPUT\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Status, r.ChunkCount, r.CreatedAt.Format(time.RFC3339), r.OutputPath, r.Error)
	}
	return w.Flush()
}

func runEvents(ctx context.Context, s *eventstore.Store, runID string, limit int, out io.Writer) error {
	events, err := s.ListRunEvents(ctx, runID, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events for run %s", runID)
	}
	for _, e := range events {
		fmt.Fprintf(out, "%s %-22s chunk=%d %s\n", e.CreatedAt.Format(time.RFC3339Nano), e.Type, e.ChunkIndex, e.Payload)
	}
	return nil
}
