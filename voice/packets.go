// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voice

import (
	"encoding/binary"
	"fmt"
)

const (
	// DiscoveryPacketSize is the length of an IP discovery datagram and of
	// the server's reply.
	DiscoveryPacketSize = 70

	// KeepalivePacketSize is the length of a keepalive datagram.
	KeepalivePacketSize = 8
)

// discoveryPacket puts the SSRC into a 70 byte array. The rest is left for
// the server to fill with our external address.
func discoveryPacket(ssrc uint32) []byte {
	sb := make([]byte, DiscoveryPacketSize)
	binary.BigEndian.PutUint32(sb, ssrc)
	return sb
}

func keepalivePacket(sequence uint64) []byte {
	packet := make([]byte, KeepalivePacketSize)
	binary.LittleEndian.PutUint64(packet, sequence)
	return packet
}

// ParseDiscoveryResponse extracts the external address and port the server
// saw from its reply to a discovery datagram.
func ParseDiscoveryResponse(rb []byte) (address string, port int, err error) {
	if len(rb) < DiscoveryPacketSize {
		return "", 0, fmt.Errorf("discovery reply of %d bytes: %w", len(rb), ErrShortPacket)
	}

	// The address is a NUL terminated string starting after the SSRC.
	end := 4
	for end < DiscoveryPacketSize-2 && rb[end] != 0 {
		end++
	}
	address = string(rb[4:end])

	// Grab port from position 68 and 69
	port = int(binary.LittleEndian.Uint16(rb[68:70]))

	if address == "" {
		return "", 0, fmt.Errorf("discovery reply without address: %w", ErrMalformedPacket)
	}
	return address, port, nil
}

// ParseKeepalive reads the sequence number echoed in a keepalive reply.
func ParseKeepalive(packet []byte) (uint64, bool) {
	if len(packet) != KeepalivePacketSize {
		return 0, false
	}
	return binary.LittleEndian.Uint64(packet), true
}
