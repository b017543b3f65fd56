package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/phiguard/pkg/audit"
)

func newVerifyCommand() *Command {
	cmd := &Command{
		Name:        "verify",
		Description: "Verify the audit chain or an exported segment",
		Flags:       flag.NewFlagSet("verify", flag.ExitOnError),
		Run:         runVerify,
	}

	cmd.Flags.String("file", "", "Exported chain file (.ndjson or .json); the database is used when empty")
	cmd.Flags.Int64("from", -1, "First sequence number to verify")
	cmd.Flags.Int64("to", -1, "Sequence number to stop before")

	return cmd
}

func runVerify(args []string) error {
	flags := flag.NewFlagSet("verify", flag.ContinueOnError)
	file := flags.String("file", "", "Exported chain file (.ndjson or .json); the database is used when empty")
	from := flags.Int64("from", -1, "First sequence number to verify")
	to := flags.Int64("to", -1, "Sequence number to stop before")

	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	var (
		source audit.Source
		first  int64
	)
	if *file != "" {
		entries, err := readExportFile(*file)
		if err != nil {
			return err
		}
		slice := audit.NewSliceSource(entries)
		source, first = slice, slice.First()
	} else {
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		source = a.Chain
	}

	head, err := source.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	r := audit.Range{From: first, To: head.Length}
	if *from >= 0 {
		r.From = *from
	}
	if *to >= 0 {
		r.To = *to
	}

	report, verifyErr := audit.NewVerifier(source, 0, nil).Verify(ctx, r)
	if report == nil {
		return verifyErr
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(out))
	return verifyErr
}

func readExportFile(path string) ([]*audit.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndjson", ".jsonl":
		return audit.ReadNDJSON(f)
	case ".json":
		return audit.ReadJSON(f)
	default:
		return nil, fmt.Errorf("unsupported export file %q: expected .ndjson or .json", filepath.Base(path))
	}
}
