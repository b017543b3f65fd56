package cli

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/platinummonkey/phiguard/pkg/audit"
)

func newExportCommand() *Command {
	cmd := &Command{
		Name:        "export",
		Description: "Export a range of the audit chain",
		Flags:       flag.NewFlagSet("export", flag.ExitOnError),
		Run:         runExport,
	}

	cmd.Flags.String("format", "ndjson", "Output format: json, ndjson or csv")
	cmd.Flags.Int64("from", 0, "First sequence number to export")
	cmd.Flags.Int64("to", -1, "Sequence number to stop before; the head when negative")
	cmd.Flags.String("out", "", "Output file; stdout when empty")

	return cmd
}

func runExport(args []string) error {
	flags := flag.NewFlagSet("export", flag.ContinueOnError)
	formatName := flags.String("format", "ndjson", "Output format: json, ndjson or csv")
	from := flags.Int64("from", 0, "First sequence number to export")
	to := flags.Int64("to", -1, "Sequence number to stop before; the head when negative")
	out := flags.String("out", "", "Output file; stdout when empty")

	if err := flags.Parse(args); err != nil {
		return err
	}
	format, err := audit.ParseExportFormat(*formatName)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	r := audit.Range{From: *from, To: *to}
	if r.To < 0 {
		head, err := a.Chain.Head(ctx)
		if err != nil {
			return fmt.Errorf("failed to read chain head: %w", err)
		}
		r.To = head.Length
	}
	entries, err := a.Chain.ReadRange(ctx, r)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	buf := bufio.NewWriter(w)
	if err := audit.Export(buf, entries, format); err != nil {
		return err
	}
	return buf.Flush()
}
