// Package link reports whether the host's network interface is
// attached. Association itself (Wi-Fi credentials, DHCP) is owned by
// the host's network manager; the device only waits for its result.
package link

import (
	"context"
	"fmt"
	"net"
)

// Host watches the host's interfaces for a usable link.
type Host struct {
	// Interface restricts the check to one interface name. Empty
	// accepts any non-loopback interface.
	Interface string

	// Overridable for tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

// NewHost returns a Host link for the named interface ("" for any).
func NewHost(iface string) *Host {
	return &Host{
		Interface:  iface,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// Connect checks that the configured interface exists. It does not
// wait for the link to come up.
func (h *Host) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.Interface == "" {
		return nil
	}
	ifaces, err := h.interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	for _, i := range ifaces {
		if i.Name == h.Interface {
			return nil
		}
	}
	return fmt.Errorf("interface %s not present", h.Interface)
}

// Connected reports whether a matching interface is up and holds a
// global unicast address.
func (h *Host) Connected() bool {
	ifaces, err := h.interfaces()
	if err != nil {
		return false
	}
	for _, i := range ifaces {
		if h.Interface != "" && i.Name != h.Interface {
			continue
		}
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := h.addrs(i)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}
