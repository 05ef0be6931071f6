package server

import (
	"fmt"
	"net"
)

// VirtualKeys extracts the virtual-address hash keys from a tunneled L3
// frame: the source key (for route learning) and destination key (for
// forwarding), plus whether the destination is broadcast/multicast. ok is
// false for frames too short to be IPv4.
func VirtualKeys(frame []byte) (src, dst string, broadcast bool, ok bool) {
	if len(frame) < 20 || frame[0]>>4 != 4 {
		return "", "", false, false
	}
	srcIP := net.IPv4(frame[12], frame[13], frame[14], frame[15])
	dstIP := net.IPv4(frame[16], frame[17], frame[18], frame[19])
	broadcast = frame[16]&0xF0 == 0xE0 || dstIP.Equal(net.IPv4bcast)
	return srcIP.String(), dstIP.String(), broadcast, true
}

// VirtualKeyMAC renders an L2 (tap mode) hash key from a MAC address.
func VirtualKeyMAC(mac []byte) (string, bool) {
	if len(mac) < 6 {
		return "", false
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]), true
}
