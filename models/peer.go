package models

import (
	"net"
	"time"
)

// Transport identifies which discovery source produced a peer.
type Transport string

const (
	TransportMDNS Transport = "mdns"
	TransportBLE  Transport = "ble"
	TransportAWDL Transport = "awdl"
)

// ServiceKind classifies the advertised Apple service.
type ServiceKind string

const (
	ServiceAirDrop    ServiceKind = "airdrop"
	ServiceAirPlay    ServiceKind = "airplay"
	ServiceCompanion  ServiceKind = "companion"
	ServiceDeviceInfo ServiceKind = "device_info"
	ServiceRAOP       ServiceKind = "raop"
	ServiceOther      ServiceKind = "other"
)

// Attribute is one ordered key/value pair carried with a discovered peer.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DiscoveredPeer represents a device seen by one discovery transport.
type DiscoveredPeer struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Address     net.IP      `json:"address"`
	Port        int         `json:"port"`
	Transport   Transport   `json:"transport"`
	ServiceKind ServiceKind `json:"service_kind"`
	Attributes  []Attribute `json:"attributes"`
	LastSeen    time.Time   `json:"last_seen"`
}

// Attribute returns the first attribute value for key.
func (p DiscoveredPeer) Attribute(key string) (string, bool) {
	for _, attr := range p.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p DiscoveredPeer) Clone() DiscoveredPeer {
	out := p
	if p.Address != nil {
		out.Address = append(net.IP(nil), p.Address...)
	}
	if p.Attributes != nil {
		out.Attributes = append([]Attribute(nil), p.Attributes...)
	}
	return out
}
