package link

import (
	"context"
	"errors"
	"net"
	"testing"
)

func fakeHost(name string, ifaces []net.Interface, addrs map[string][]net.Addr) *Host {
	return &Host{
		Interface:  name,
		interfaces: func() ([]net.Interface, error) { return ifaces, nil },
		addrs:      func(i net.Interface) ([]net.Addr, error) { return addrs[i.Name], nil },
	}
}

func ipNet(s string) *net.IPNet {
	ip, n, _ := net.ParseCIDR(s)
	n.IP = ip
	return n
}

func TestHost_Connected(t *testing.T) {
	t.Parallel()
	ifaces := []net.Interface{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		{Name: "eth0", Flags: 0},
		{Name: "wlan0", Flags: net.FlagUp},
	}
	loAddr := map[string][]net.Addr{"lo": {ipNet("127.0.0.1/8")}}
	wlanAddr := map[string][]net.Addr{
		"lo":    {ipNet("127.0.0.1/8")},
		"eth0":  {ipNet("10.0.0.5/24")},
		"wlan0": {ipNet("192.168.1.9/24")},
	}

	tests := []struct {
		name  string
		iface string
		addrs map[string][]net.Addr
		want  bool
	}{
		{"loopback only", "", loAddr, false},
		{"any interface", "", wlanAddr, true},
		{"named up", "wlan0", wlanAddr, true},
		{"named down", "eth0", wlanAddr, false},
		{"named missing", "usb0", wlanAddr, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := fakeHost(tt.iface, ifaces, tt.addrs)
			if got := h.Connected(); got != tt.want {
				t.Errorf("Connected() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHost_Connect(t *testing.T) {
	t.Parallel()
	ifaces := []net.Interface{{Name: "wlan0", Flags: net.FlagUp}}

	if err := fakeHost("", ifaces, nil).Connect(context.Background()); err != nil {
		t.Errorf("Connect(any) error = %v", err)
	}
	if err := fakeHost("wlan0", ifaces, nil).Connect(context.Background()); err != nil {
		t.Errorf("Connect(wlan0) error = %v", err)
	}
	if err := fakeHost("eth9", ifaces, nil).Connect(context.Background()); err == nil {
		t.Error("Connect(eth9) should fail for a missing interface")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fakeHost("", ifaces, nil).Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect(cancelled) error = %v", err)
	}
}
