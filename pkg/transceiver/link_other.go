//go:build !linux

package transceiver

import "github.com/cockroachdb/errors"

func ConfigureLink(name string, bitrate uint32) error {
	return errors.Newf("configuring %s at %d bit/s requires Linux", name, bitrate)
}
