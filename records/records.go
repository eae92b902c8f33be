// Package records builds the Apple TXT record sets advertised over mDNS.
package records

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	appcrypto "github.com/airwin/airwin/crypto"
)

const (
	AirDropFlags           = "1019"
	AirDropProtocolVersion = "2"
	SystemVersion          = "10.0"
	CompanionVersion       = "350.92.4"
	CompanionFlags         = "0x20000"
	DeviceInfoOSVersion    = "10"
	DeviceInfoFeatures     = "0x445F8A00,0x1C340"
	DeviceInfoFlags        = "0x4"
	DeviceInfoVV           = "2"

	serviceIDBytes = 6
	sessionIDBytes = 8
)

// RequiredAirDropKeys must be present for an AirDrop record set to be usable.
var RequiredAirDropKeys = []string{
	"flags",
	"protocol_version",
	"computerid",
	"systemid",
	"model",
	"supports_airdrop",
	"phash",
}

var capabilityKeys = []string{
	"supports_url",
	"supports_dvzip",
	"supports_dv",
	"supports_pipelining",
	"supports_mixed_types",
	"supports_contacts",
	"supports_discover",
	"supports_airdrop",
	"supports_sharing",
	"supports_awdl",
	"supports_ble",
	"supports_wifi_direct",
}

// Host describes the local device as it is advertised.
type Host struct {
	Name  string
	Model string

	// Rand supplies randomness. Defaults to crypto/rand.
	Rand io.Reader
	// Now supplies the timestamp. Defaults to time.Now.
	Now func() time.Time
}

func (h Host) withDefaults() Host {
	out := h
	if out.Rand == nil {
		out.Rand = rand.Reader
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Record is a single TXT key/value pair.
type Record struct {
	Key   string
	Value string
}

// Records is an ordered TXT record set.
type Records []Record

// Get returns the value stored under key.
func (r Records) Get(key string) (string, bool) {
	for _, rec := range r {
		if rec.Key == key {
			return rec.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key in place or appends a new record.
func (r *Records) Set(key, value string) {
	for i := range *r {
		if (*r)[i].Key == key {
			(*r)[i].Value = value
			return
		}
	}
	*r = append(*r, Record{Key: key, Value: value})
}

// Clone returns an independent copy.
func (r Records) Clone() Records {
	return append(Records(nil), r...)
}

// TXT renders the records in "key=value" form for an mDNS responder.
func (r Records) TXT() []string {
	out := make([]string, 0, len(r))
	for _, rec := range r {
		out = append(out, rec.Key+"="+rec.Value)
	}
	return out
}

// Map returns the records as a map. Order is lost.
func (r Records) Map() map[string]string {
	out := make(map[string]string, len(r))
	for _, rec := range r {
		out[rec.Key] = rec.Value
	}
	return out
}

// AirDrop builds the _airdrop._tcp / _airdrop._udp record set.
func AirDrop(host Host) (Records, error) {
	h := host.withDefaults()

	serviceID, err := appcrypto.RandomHex(h.Rand, serviceIDBytes, false)
	if err != nil {
		return nil, fmt.Errorf("records: service id: %w", err)
	}

	ids := make([]string, 3)
	for i := range ids {
		ids[i], err = appcrypto.UpperUUID(h.Rand)
		if err != nil {
			return nil, fmt.Errorf("records: identifier: %w", err)
		}
	}

	out := Records{
		{Key: "flags", Value: AirDropFlags},
		{Key: "protocol_version", Value: AirDropProtocolVersion},
		{Key: "service_id", Value: serviceID},
		{Key: "service_type", Value: "1"},
		{Key: "status_flags", Value: "0x1"},
		{Key: "computerid", Value: ids[0]},
		{Key: "systemid", Value: ids[1]},
		{Key: "machine_id", Value: ids[2]},
		{Key: "model", Value: h.Model},
		{Key: "name", Value: h.Name},
		{Key: "system_version", Value: SystemVersion},
	}
	for _, key := range capabilityKeys {
		out = append(out, Record{Key: key, Value: "1"})
	}
	out = append(out,
		Record{Key: "phash"},
		Record{Key: "discoverable", Value: "1"},
		Record{Key: "session_id"},
		Record{Key: "timestamp"},
	)

	if err := refreshSessionFields(&out, h); err != nil {
		return nil, err
	}
	return out, nil
}

// Companion builds the _companion-link._tcp record set.
func Companion(host Host) (Records, error) {
	h := host.withDefaults()

	routeID, err := appcrypto.RandomHex(h.Rand, 6, true)
	if err != nil {
		return nil, fmt.Errorf("records: rpMRtID: %w", err)
	}
	advertisement, err := appcrypto.RandomHex(h.Rand, 6, false)
	if err != nil {
		return nil, fmt.Errorf("records: rpAD: %w", err)
	}
	homeAccount, err := appcrypto.RandomHex(h.Rand, 6, false)
	if err != nil {
		return nil, fmt.Errorf("records: rpHA: %w", err)
	}
	homeID, err := appcrypto.RandomHex(h.Rand, 6, false)
	if err != nil {
		return nil, fmt.Errorf("records: rpHI: %w", err)
	}

	return Records{
		{Key: "rpMRtID", Value: routeID},
		{Key: "rpAD", Value: advertisement},
		{Key: "rpVr", Value: CompanionVersion},
		{Key: "rpFl", Value: CompanionFlags},
		{Key: "rpHA", Value: homeAccount},
		{Key: "rpHI", Value: homeID},
		{Key: "rpMd", Value: h.Model},
		{Key: "rpNm", Value: h.Name},
	}, nil
}

// DeviceInfo builds the _device-info._tcp record set.
func DeviceInfo(host Host) (Records, error) {
	h := host.withDefaults()

	publicKey, err := appcrypto.RandomHex(h.Rand, 32, false)
	if err != nil {
		return nil, fmt.Errorf("records: pk: %w", err)
	}

	return Records{
		{Key: "model", Value: h.Model},
		{Key: "osxvers", Value: DeviceInfoOSVersion},
		{Key: "srcvers", Value: CompanionVersion},
		{Key: "features", Value: DeviceInfoFeatures},
		{Key: "flags", Value: DeviceInfoFlags},
		{Key: "vv", Value: DeviceInfoVV},
		{Key: "pk", Value: publicKey},
	}, nil
}

// Validate reports whether every required AirDrop key is present and non-empty.
func Validate(r Records) bool {
	for _, key := range RequiredAirDropKeys {
		value, ok := r.Get(key)
		if !ok || strings.TrimSpace(value) == "" {
			return false
		}
	}
	return true
}

// RefreshSession returns a copy of r with new session_id, timestamp and phash.
// r itself is not modified.
func RefreshSession(r Records, host Host) (Records, error) {
	out := r.Clone()
	if err := refreshSessionFields(&out, host.withDefaults()); err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceHash returns the decoded phash of an AirDrop record set.
func DeviceHash(r Records) ([]byte, error) {
	value, ok := r.Get("phash")
	if !ok {
		return nil, fmt.Errorf("records: phash missing")
	}
	return hex.DecodeString(value)
}

func refreshSessionFields(r *Records, h Host) error {
	now := h.Now()

	sessionID, err := appcrypto.RandomHex(h.Rand, sessionIDBytes, true)
	if err != nil {
		return fmt.Errorf("records: session id: %w", err)
	}
	hash, err := appcrypto.DeviceHash(h.Rand, now)
	if err != nil {
		return fmt.Errorf("records: phash: %w", err)
	}

	r.Set("session_id", sessionID)
	r.Set("timestamp", strconv.FormatInt(now.Unix(), 10))
	r.Set("phash", hex.EncodeToString(hash))
	return nil
}
