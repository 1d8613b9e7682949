package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gatelog/gatelog/pkg/ingest"
	"github.com/gatelog/gatelog/pkg/store"
)

// VerifyCmd recomputes every stored digest.
//
// Exit codes:
//
//	0 = every record reproduces its digest
//	1 = at least one record does not
//	2 = runtime error
type VerifyCmd struct {
	JSON bool `help:"Print the report as JSON."`
}

type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func asExit(err error, target *exitError) bool {
	return errors.As(err, target)
}

func (c *VerifyCmd) Run(cli *CLI) error {
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
	report, err := svc.Verify(ctx)
	if err != nil {
		return err
	}
	if err := printReport(os.Stdout, report, c.JSON); err != nil {
		return err
	}
	if !report.OK() {
		return exitError{code: 1}
	}
	return nil
}

func printReport(w io.Writer, report ingest.VerifyReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	if report.OK() {
		_, err := fmt.Fprintf(w, "OK: %d records verified\n", report.Checked)
		return err
	}
	fmt.Fprintf(w, "FAIL: %d of %d records do not match their digest\n", len(report.Mismatched), report.Checked)
	for _, id := range report.Mismatched {
		fmt.Fprintf(w, "  %s\n", id)
	}
	return nil
}
