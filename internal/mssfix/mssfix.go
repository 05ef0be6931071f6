// Package mssfix implements TCP MSS clamping on tunneled IPv4 payloads
// (--mssfix). It uses golang.org/x/net/ipv4 to parse the IPv4 header; the
// TCP header and its options are walked by byte offset.
package mssfix

import (
	"encoding/binary"

	"golang.org/x/net/ipv4"
)

const (
	tcpProtocol = 6
	// mssOptionKind/Len identify the MSS TCP option (kind 2, length 4).
	mssOptionKind = 2
	mssOptionLen  = 4
	// synFlagBit is the SYN bit position within the TCP flags byte.
	synFlagBit = 0x02
)

// Clamp rewrites the TCP MSS option in an IPv4/TCP SYN packet down to
// maxMSS, recomputing the TCP checksum. Non-IPv4, non-TCP, and non-SYN
// packets are returned unmodified; only the SYN handshake carries an MSS
// option worth rewriting.
func Clamp(packet []byte, maxMSS int) []byte {
	header, err := ipv4.ParseHeader(packet)
	if err != nil || header.Protocol != tcpProtocol {
		return packet
	}
	ihl := header.Len
	if len(packet) < ihl+20 {
		return packet
	}
	tcp := packet[ihl:]
	flags := tcp[13]
	if flags&synFlagBit == 0 {
		return packet
	}
	dataOffset := int(tcp[12]>>4) * 4
	if dataOffset < 20 || len(tcp) < dataOffset {
		return packet
	}
	opts := tcp[20:dataOffset]

	changed := false
	for i := 0; i < len(opts); {
		kind := opts[i]
		if kind == 0 {
			break
		}
		if kind == 1 {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			break
		}
		if kind == mssOptionKind && length == mssOptionLen {
			cur := int(binary.BigEndian.Uint16(opts[i+2 : i+4]))
			if cur > maxMSS {
				binary.BigEndian.PutUint16(opts[i+2:i+4], uint16(maxMSS))
				changed = true
			}
		}
		i += length
	}

	if changed {
		fixTCPChecksum(packet, ihl)
	}
	return packet
}

// fixTCPChecksum recomputes the TCP checksum over the IPv4 pseudo-header
// plus segment, per RFC 793.
func fixTCPChecksum(packet []byte, ihl int) {
	tcp := packet[ihl:]
	tcp[16] = 0
	tcp[17] = 0

	srcIP := packet[12:16]
	dstIP := packet[16:20]
	tcpLen := len(tcp)

	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += uint32(tcpProtocol)
	sum += uint32(tcpLen)

	for i := 0; i+1 < tcpLen; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(tcp[i : i+2]))
	}
	if tcpLen%2 == 1 {
		sum += uint32(tcp[tcpLen-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	checksum := ^uint16(sum)
	binary.BigEndian.PutUint16(tcp[16:18], checksum)
}
