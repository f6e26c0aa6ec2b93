package dump

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/canreplay/pkg/can"
	"github.com/BIwashi/canreplay/pkg/cli"
	"github.com/BIwashi/canreplay/pkg/dbc"
	"github.com/BIwashi/canreplay/pkg/record"
	"github.com/BIwashi/canreplay/pkg/table"
)

type dumper struct {
	file    string
	dbcFile string
	limit   int
}

func NewCommand() *cobra.Command {
	s := &dumper{
		limit: 0,
	}

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the rows of a table file, optionally decoded with a DBC file.",
		Example: `  # Print the first 20 rows with their signals
  canreplay dump --file drive.parquet --dbc-file vehicle.dbc --limit 20`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.file, "file", s.file, "Table file (parquet or mcap)")
	cmd.Flags().StringVar(&s.dbcFile, "dbc-file", s.dbcFile, "DBC file used to decode signals")
	cmd.Flags().IntVar(&s.limit, "limit", s.limit, "Maximum rows to print, 0 for all")

	cmd.MarkFlagRequired("file")

	return cmd
}

func (s *dumper) run(ctx context.Context, input cli.Input) error {
	f, err := os.Open(s.file)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", s.file)
	}
	tbl, stats, err := table.ForPath(s.file).Decode(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", s.file)
	}
	input.Logger.Info("Loaded table", "rows", stats.Rows, "skipped", stats.Skipped)

	var decoder *dbc.Decoder
	if s.dbcFile != "" {
		compiler, err := dbc.NewCompiler(s.dbcFile)
		if err != nil {
			return err
		}
		for _, w := range compiler.Warnings() {
			input.Logger.Warn("DBC warning", "error", w)
		}
		input.Logger.Info(fmt.Sprintf("Found %d messages in DBC file", len(compiler.Database().Messages)))
		decoder = dbc.NewDecoder(compiler)
	}

	n := tbl.Len()
	if s.limit > 0 {
		n = min(n, s.limit)
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		printRow(input.Stdout, tbl.Row(i), decoder)
	}
	return nil
}

func printRow(w io.Writer, r record.Record, decoder *dbc.Decoder) {
	frame, err := can.NewFrame(r.ID, r.Data)
	if err != nil {
		fmt.Fprintf(w, "%.6f %X#%X (%d bytes, not a classic frame)\n", r.Timestamp, r.ID, r.Data, len(r.Data))
		return
	}
	fmt.Fprintf(w, "%.6f %s", r.Timestamp, can.FormatFrame(frame))
	if decoder == nil {
		fmt.Fprintln(w)
		return
	}

	msg, ok := decoder.Message(frame.ID)
	if !ok {
		fmt.Fprintln(w)
		return
	}
	signals, err := decoder.Decode(frame)
	if err != nil {
		fmt.Fprintf(w, " %s: %v\n", msg.Name, err)
		return
	}

	names := make([]string, 0, len(signals))
	for name := range signals {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+formatSignal(signals[name]))
	}
	fmt.Fprintf(w, " %s {%s}\n", msg.Name, strings.Join(parts, " "))
}

func formatSignal(s dbc.DecodedSignal) string {
	var v string
	if s.Physical != nil {
		v = fmt.Sprintf("%g", *s.Physical)
	} else {
		v = fmt.Sprint(s.Raw)
	}
	if s.Signal.Unit != "" {
		v += s.Signal.Unit
	}
	if s.Description != "" {
		v += fmt.Sprintf("(%s)", s.Description)
	}
	return v
}
