//go:build !linux

package discovery

import "context"

// NeighborSource is unavailable off Linux.
type NeighborSource struct {
	Interface string
}

func NewNeighborSource(iface string) *NeighborSource {
	return &NeighborSource{Interface: iface}
}

func (s *NeighborSource) Available() error { return ErrAWDLUnavailable }

func (s *NeighborSource) Peers(context.Context) ([]AWDLPeer, error) {
	return nil, ErrAWDLUnavailable
}
