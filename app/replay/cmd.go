package replay

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/BIwashi/canreplay/pkg/cli"
	"github.com/BIwashi/canreplay/pkg/replay"
	"github.com/BIwashi/canreplay/pkg/table"
	"github.com/BIwashi/canreplay/pkg/transceiver"
)

// bus is the transmit side of an open transceiver.
type bus interface {
	replay.Transmitter
	Name() string
	Close() error
}

type replayer struct {
	file          string
	loopForever   bool
	excludeID     string
	usbCANBus     uint
	canInterface  string
	bitrate       uint32
	configureLink bool
	pacing        string
	skipInvalid   bool

	open  func(ctx context.Context, cfg transceiver.Config) (bus, error)
	clock replay.Clock
}

func NewCommand() *cobra.Command {
	s := &replayer{
		usbCANBus: transceiver.DefaultBus,
		bitrate:   transceiver.DefaultBitrate,
		pacing:    replay.PacingCompensate.String(),
		open: func(ctx context.Context, cfg transceiver.Config) (bus, error) {
			return transceiver.Open(ctx, cfg)
		},
	}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a table file onto a CAN bus with its recorded timing.",
		Long: `Replay the rows of a table file onto a SocketCAN interface.

Each frame is sent after the gap recorded between it and the previous row,
minus the time the previous frame took to build and send, so long replays do
not drift behind the original capture.`,
		Example: `  # Replay on the second bus forever, without ids 0x123 and 0x456
  canreplay replay --file drive.parquet --usb-can-bus 2 --loop-forever --exclude-id 0x123,0x456`,
		RunE: cli.WithContext(s.run),
	}

	cmd.Flags().StringVar(&s.file, "file", s.file, "Table file to replay (parquet or mcap)")
	cmd.Flags().BoolVar(&s.loopForever, "loop-forever", s.loopForever, "Restart from the first frame after each pass")
	cmd.Flags().StringVar(&s.excludeID, "exclude-id", s.excludeID, "Comma separated 0x-prefixed ids to leave out")
	cmd.Flags().UintVar(&s.usbCANBus, "usb-can-bus", s.usbCANBus, fmt.Sprintf("Bus to transmit on (%d-%d), mapped to can0..can%d", transceiver.MinBus, transceiver.MaxBus, transceiver.MaxBus-1))
	cmd.Flags().StringVar(&s.canInterface, "can-interface", s.canInterface, "SocketCAN interface name, overrides --usb-can-bus")
	cmd.Flags().Uint32Var(&s.bitrate, "bitrate", s.bitrate, "Bit-rate applied with --configure-link")
	cmd.Flags().BoolVar(&s.configureLink, "configure-link", s.configureLink, "Set the bit-rate and bring the interface up before sending")
	cmd.Flags().StringVar(&s.pacing, "pacing", s.pacing, "Gap computation (compensate, deadline)")
	cmd.Flags().BoolVar(&s.skipInvalid, "skip-invalid", s.skipInvalid, "Skip rows that cannot form a frame instead of aborting")

	cmd.MarkFlagRequired("file")

	return cmd
}

func (s *replayer) run(ctx context.Context, input cli.Input) error {
	pacing, err := replay.ParsePacing(s.pacing)
	if err != nil {
		input.Logger.Warn("Unknown pacing, using default", "pacing", s.pacing, "default", pacing)
	}

	excluded, invalid := replay.ParseExclusions(s.excludeID)
	for _, v := range invalid {
		input.Logger.Warn("Ignoring invalid exclusion", "value", v)
	}
	fmt.Fprintf(input.Stdout, "Apply filter %s\n", formatIDs(excluded.IDs()))

	f, err := os.Open(s.file)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", s.file)
	}
	tbl, decodeStats, err := table.ForPath(s.file).Decode(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", s.file)
	}
	if decodeStats.Skipped > 0 {
		input.Logger.Warn("Skipped malformed rows", "rows", decodeStats.Skipped)
	}

	startLoad := time.Now()
	records, loadStats := replay.Load(tbl, excluded)
	fmt.Fprintf(input.Stdout, "Loading data (%d of %d) from %s: %s\n",
		len(records), loadStats.Rows, s.file, time.Since(startLoad))

	cfg := transceiver.Config{
		Interface:     s.interfaceName(input),
		Bitrate:       s.bitrate,
		ConfigureLink: s.configureLink,
	}
	tx, err := s.open(ctx, cfg)
	if err != nil {
		input.Logger.Error("Unable to open CAN interface", "interface", cfg.Interface, "error", err)
		return nil
	}
	defer tx.Close()

	opts := []replay.Option{
		replay.WithProgress(replay.NewProgress(input.Stdout)),
		replay.WithPacing(pacing),
		replay.WithSkipInvalid(s.skipInvalid),
		replay.WithLogger(input.Logger),
	}
	if s.clock != nil {
		opts = append(opts, replay.WithClock(s.clock))
	}
	scheduler := replay.New(tx, opts...)

	fmt.Fprintf(input.Stdout, "Starting simulation of %d frames (loop %t) on %s\n", len(records), s.loopForever, tx.Name())
	err = scheduler.Run(ctx, records, s.loopForever)

	var (
		terr *replay.TransmitError
		ferr *replay.FrameError
	)
	switch {
	case err == nil:
	case errors.As(err, &terr):
		input.Logger.Error("Error sending CAN frames", "index", terr.Index, "error", err)
	case errors.As(err, &ferr):
		input.Logger.Error("Invalid frame in table", "index", ferr.Index, "id", fmt.Sprintf("0x%X", ferr.Record.ID), "error", err)
	case errors.Is(err, context.Canceled):
		input.Logger.Info("Replay interrupted")
	default:
		return err
	}
	fmt.Fprintln(input.Stdout, "Exit!!!")
	return nil
}

// interfaceName resolves the SocketCAN interface. An out-of-range bus falls
// back to the default one with a warning.
func (s *replayer) interfaceName(input cli.Input) string {
	if s.canInterface != "" {
		return s.canInterface
	}
	name, ok := transceiver.BusInterface(s.usbCANBus)
	if !ok {
		input.Logger.Warn("Invalid bus, using default",
			"usb_can_bus", s.usbCANBus,
			"default", transceiver.DefaultBus,
		)
	}
	return name
}

func formatIDs(ids []uint32) string {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("0x%X", id)
	}
	return out + "]"
}
