package extract

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/canreplay/pkg/blf"
	"github.com/BIwashi/canreplay/pkg/buslog"
	"github.com/BIwashi/canreplay/pkg/cli"
	"github.com/BIwashi/canreplay/pkg/extract"
	"github.com/BIwashi/canreplay/pkg/mcap"
	"github.com/BIwashi/canreplay/pkg/pcapng"
	"github.com/BIwashi/canreplay/pkg/record"
	"github.com/BIwashi/canreplay/pkg/table"
)

type extractor struct {
	input           string
	output          string
	channel         uint16
	startPercentage float64
	endPercentage   float64
	format          string
}

func NewCommand() *cobra.Command {
	s := &extractor{
		channel:         0,
		startPercentage: extract.FullWindow.Start,
		endPercentage:   extract.FullWindow.End,
	}

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract the frames of one channel from a bus log into a table file.",
		Long: `Extract CAN frames from a BLF (or pcapng) bus log.

This command scans the objects of the log that fall inside the selected
percentage window, keeps the bus messages of one channel and writes them as
(ts, id, data) rows to a parquet file, or to MCAP when the output ends in .mcap.`,
		Example: `  # Extract channel 0 from the first half of a log
  canreplay extract --input drive.blf --output drive.parquet --channel 0 --end-percentage 50`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.input, "input", s.input, "BLF or pcapng bus log")
	cmd.Flags().StringVar(&s.output, "output", s.output, "Table file to write")
	cmd.Flags().Uint16Var(&s.channel, "channel", s.channel, "Zero-based channel to keep")
	cmd.Flags().Float64Var(&s.startPercentage, "start-percentage", s.startPercentage, "Window start, percent of the log's objects")
	cmd.Flags().Float64Var(&s.endPercentage, "end-percentage", s.endPercentage, "Window end, percent of the log's objects")
	cmd.Flags().StringVar(&s.format, "format", s.format, "Output format (parquet, mcap); derived from --output when empty")

	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")

	return cmd
}

func (s *extractor) run(ctx context.Context, input cli.Input) error {
	window, notes := extract.Window{Start: s.startPercentage, End: s.endPercentage}.Normalize()
	for _, note := range notes {
		input.Logger.Warn("Adjusted extraction window", "reason", note)
	}
	opts := extract.Options{
		Channel:  s.channel,
		Window:   window,
		Progress: input.Stdout,
	}
	codec := s.codec(input)

	input.Logger.Info("Starting extraction",
		"input", s.input,
		"output", s.output,
		"channel", s.channel,
		"window", fmt.Sprintf("[%g%%, %g%%]", opts.Window.Start, opts.Window.End),
	)

	f, err := os.Open(s.input)
	if err != nil {
		return errors.Wrapf(err, "failed to open bus log %s", s.input)
	}
	defer f.Close()

	src, err := openSource(f)
	if err != nil {
		return errors.Wrapf(err, "failed to read bus log %s", s.input)
	}
	input.Logger.Info("Opened bus log",
		"objects", src.Header().ObjectCount,
		"start", src.Header().Start,
	)

	tbl, stats, err := extract.Run(ctx, src, opts, input.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to extract %s", s.input)
	}
	if r, ok := src.(*blf.Reader); ok {
		fs := r.Stats()
		input.Logger.Debug("BLF file header",
			"application_id", fs.ApplicationID,
			"file_size", fs.FileSize,
			"uncompressed_size", fs.UncompressedSize,
		)
	}

	if err := writeTable(s.output, codec, tbl); err != nil {
		return err
	}

	if stats.FDRows > 0 {
		input.Logger.Warn("Table holds CAN FD payloads longer than 8 bytes; replay aborts on them unless --skip-invalid is set",
			"rows", stats.FDRows,
		)
	}

	input.Logger.Info("Extraction completed",
		"objects", stats.Objects,
		"scanned", stats.Scanned,
		"rows", stats.Matched,
		"timestamp_regressions", stats.Regressions,
		"duration", stats.Elapsed,
	)
	fmt.Fprintf(input.Stdout, "Wrote %d rows to %s in %s\n", tbl.Len(), s.output, stats.Elapsed)
	return nil
}

// codec resolves --format; an unknown value falls back to the output extension.
func (s *extractor) codec(input cli.Input) record.Codec {
	switch strings.ToLower(s.format) {
	case "":
	case "parquet":
		return table.Parquet{}
	case "mcap":
		return mcap.Codec{}
	default:
		input.Logger.Warn("Unknown format, using the output extension", "format", s.format, "output", s.output)
	}
	return table.ForPath(s.output)
}

// openSource picks the reader by extension; anything that is not a pcapng
// capture is read as BLF.
func openSource(f *os.File) (buslog.Source, error) {
	switch strings.ToLower(filepath.Ext(f.Name())) {
	case ".pcapng":
		return pcapng.NewReader(f)
	default:
		return blf.NewReader(bufio.NewReaderSize(f, 1<<20))
	}
}

func writeTable(path string, codec record.Codec, tbl *record.Table) error {
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := codec.Encode(out, tbl); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return errors.Wrapf(out.Close(), "failed to close %s", path)
}
