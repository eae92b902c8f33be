//go:build linux

package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Neighbor table attribute and state values from linux/neighbour.h.
const (
	ndaDst        = 1
	ndaLLAddr     = 2
	sizeofNdMsg   = 12
	nudIncomplete = 0x01
	nudFailed     = 0x20
)

// NeighborSource reads AWDL peers from the kernel IPv6 neighbor table of the
// interface maintained by the AWDL daemon.
type NeighborSource struct {
	Interface string
}

// NewNeighborSource returns a source bound to iface.
func NewNeighborSource(iface string) *NeighborSource {
	return &NeighborSource{Interface: iface}
}

func (s *NeighborSource) Available() error {
	iface, err := net.InterfaceByName(s.Interface)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAWDLUnavailable, s.Interface, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return fmt.Errorf("%w: %s is down", ErrAWDLUnavailable, s.Interface)
	}
	return nil
}

func (s *NeighborSource) Peers(ctx context.Context) ([]AWDLPeer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iface, err := net.InterfaceByName(s.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAWDLUnavailable, s.Interface, err)
	}

	rib, err := syscall.NetlinkRIB(unix.RTM_GETNEIGH, unix.AF_INET6)
	if err != nil {
		return nil, fmt.Errorf("dump neighbors: %w", err)
	}
	msgs, err := syscall.ParseNetlinkMessage(rib)
	if err != nil {
		return nil, fmt.Errorf("parse neighbors: %w", err)
	}
	return parseNeighborMessages(msgs, iface.Index), nil
}

func parseNeighborMessages(msgs []syscall.NetlinkMessage, ifindex int) []AWDLPeer {
	var peers []AWDLPeer
	for _, msg := range msgs {
		if msg.Header.Type != unix.RTM_NEWNEIGH || len(msg.Data) < sizeofNdMsg {
			continue
		}
		index := int(int32(binary.NativeEndian.Uint32(msg.Data[4:8])))
		state := binary.NativeEndian.Uint16(msg.Data[8:10])
		if index != ifindex || state&(nudIncomplete|nudFailed) != 0 {
			continue
		}

		var peer AWDLPeer
		attrs := msg.Data[sizeofNdMsg:]
		for len(attrs) >= unix.SizeofRtAttr {
			length := int(binary.NativeEndian.Uint16(attrs[0:2]))
			kind := binary.NativeEndian.Uint16(attrs[2:4])
			if length < unix.SizeofRtAttr || length > len(attrs) {
				break
			}
			value := attrs[unix.SizeofRtAttr:length]
			switch kind {
			case ndaDst:
				peer.Address = append(net.IP(nil), value...)
			case ndaLLAddr:
				peer.MAC = append(net.HardwareAddr(nil), value...)
			}
			aligned := (length + unix.RTA_ALIGNTO - 1) &^ (unix.RTA_ALIGNTO - 1)
			if aligned >= len(attrs) {
				break
			}
			attrs = attrs[aligned:]
		}
		if ValidMAC(peer.MAC) {
			peers = append(peers, peer)
		}
	}
	return peers
}
