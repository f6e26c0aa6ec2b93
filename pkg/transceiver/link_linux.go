package transceiver

import (
	"github.com/cockroachdb/errors"
	"go.einride.tech/can/pkg/candevice"
)

// ConfigureLink restarts the named interface with the given bit-rate. It needs CAP_NET_ADMIN.
func ConfigureLink(name string, bitrate uint32) error {
	d, err := candevice.New(name)
	if err != nil {
		return errors.Wrap(err, "open device")
	}
	if err := d.SetDown(); err != nil {
		return errors.Wrap(err, "set link down")
	}
	if err := d.SetBitrate(bitrate); err != nil {
		return errors.Wrapf(err, "set bitrate %d", bitrate)
	}
	if err := d.SetUp(); err != nil {
		return errors.Wrap(err, "set link up")
	}
	return nil
}
