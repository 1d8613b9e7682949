package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gatelog/gatelog/pkg/event"
	"github.com/gatelog/gatelog/pkg/ingest"
	"github.com/gatelog/gatelog/pkg/store"
)

// ListCmd prints stored events.
type ListCmd struct {
	JSON  bool `help:"Print JSON instead of a table."`
	Limit int  `help:"Print at most this many events (0 for all)." default:"0"`
}

func (c *ListCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	svc := ingest.NewService(st, nil)
	records, err := svc.List(ctx)
	if err != nil {
		return err
	}
	if c.Limit > 0 && len(records) > c.Limit {
		records = records[:c.Limit]
	}
	return printRecords(os.Stdout, records, c.JSON)
}

func printRecords(w io.Writer, records []event.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tPLATE\tTYPE\tLOCATION\tDIGEST\tID")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format(time.RFC3339Nano), r.VehiclePlate, r.MovementType, r.Location, short(r.Digest), r.ID)
	}
	return tw.Flush()
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
