package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// TruncateName clips a device name to what fits in ifreq.ifr_name,
// leaving room for the terminating NUL.
func TruncateName(name string) string {
	if len(name) > unix.IFNAMSIZ-1 {
		return name[:unix.IFNAMSIZ-1]
	}
	return name
}

// ResolveIndex looks up the kernel index of a net device with SIOCGIFINDEX,
// issued on an already-open socket. It is attempted once; there is no retry.
func ResolveIndex(name string, fd int) (int, error) {
	ifr, err := unix.NewIfreq(TruncateName(name))
	if err != nil {
		return 0, &InterfaceNotFoundError{Name: name, Err: err}
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifr); err != nil {
		return 0, &InterfaceNotFoundError{Name: name, Err: err}
	}
	return int(ifr.Uint32()), nil
}

// HardwareAddr returns the MAC address of the named interface.
func HardwareAddr(name string) (net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(TruncateName(name))
	if err != nil {
		return nil, &InterfaceNotFoundError{Name: name, Err: err}
	}
	if len(iface.HardwareAddr) != ethALen {
		// lo reports an empty address; treat it as all zeroes.
		return make(net.HardwareAddr, ethALen), nil
	}
	return iface.HardwareAddr, nil
}

// Describe returns a short human-readable line for startup diagnostics.
func Describe(name string, index int) string {
	mac, err := HardwareAddr(name)
	if err != nil {
		return fmt.Sprintf("%s (index %d)", name, index)
	}
	return fmt.Sprintf("%s (index %d, %s)", name, index, mac)
}
