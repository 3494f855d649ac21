//go:build unix

package printer

import (
	"os"

	"golang.org/x/sys/unix"
)

// backChannelFD is the descriptor the spooler hands filters for data coming
// back from the device.
const backChannelFD = 3

// spoolerBackChannel returns the spooler back channel, or nil when the
// descriptor is not open. It is switched to non-blocking mode so read
// deadlines work on it.
func spoolerBackChannel() *os.File {
	var st unix.Stat_t
	if err := unix.Fstat(backChannelFD, &st); err != nil {
		return nil
	}
	if err := unix.SetNonblock(backChannelFD, true); err != nil {
		return nil
	}
	return os.NewFile(uintptr(backChannelFD), "backchannel")
}
