package discovery

import (
	"errors"

	"github.com/airwin/airwin/models"
)

var (
	// ErrNoBLEAdapter indicates the host has no usable Bluetooth LE adapter.
	ErrNoBLEAdapter = errors.New("discovery: no BLE adapter found")
	// ErrAdvertisingUnsupported indicates BLE advertising cannot be driven on this host.
	ErrAdvertisingUnsupported = errors.New("discovery: BLE advertising is not supported on this host")
	// ErrAWDLUnavailable indicates no AWDL daemon interface is present.
	ErrAWDLUnavailable = errors.New("discovery: AWDL interface unavailable")
	// ErrNoMulticastInterface indicates no interface accepted the multicast group join.
	ErrNoMulticastInterface = errors.New("discovery: no interface joined the multicast group")
	// ErrNotStarted is returned by operations that need a running component.
	ErrNotStarted = errors.New("discovery: not started")
)

// DiscoveryError reports that one transport failed to initialize or bind.
// Callers treat it as "transport disabled" unless the transport is mDNS.
type DiscoveryError struct {
	Transport models.Transport
	Err       error
}

func (e *DiscoveryError) Error() string {
	return "discovery: " + string(e.Transport) + ": " + e.Err.Error()
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
