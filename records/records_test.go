package records

import (
	"bytes"
	"crypto/rand"
	"io"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	upperUUIDPattern = regexp.MustCompile(`^[0-9A-F]{32}$`)
	serviceIDPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)
	sessionIDPattern = regexp.MustCompile(`^[0-9A-F]{16}$`)
	phashPattern     = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

func testHost() Host {
	return Host{
		Name:  "desk-pc",
		Model: "Windows,1",
		Now:   func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestAirDropRecordsAreComplete(t *testing.T) {
	for i := 0; i < 25; i++ {
		recs, err := AirDrop(testHost())
		require.NoError(t, err, "AirDrop failed")
		require.True(t, Validate(recs), "generated records failed validation")

		for _, key := range []string{"computerid", "systemid", "machine_id"} {
			value, ok := recs.Get(key)
			require.True(t, ok, "missing %s", key)
			assert.Regexp(t, upperUUIDPattern, value, key)
		}

		serviceID, _ := recs.Get("service_id")
		assert.Regexp(t, serviceIDPattern, serviceID)
		sessionID, _ := recs.Get("session_id")
		assert.Regexp(t, sessionIDPattern, sessionID)
		phash, _ := recs.Get("phash")
		assert.Regexp(t, phashPattern, phash)

		flags, _ := recs.Get("flags")
		assert.Equal(t, AirDropFlags, flags)
		name, _ := recs.Get("name")
		assert.Equal(t, "desk-pc", name)
		ts, _ := recs.Get("timestamp")
		assert.Equal(t, strconv.FormatInt(1700000000, 10), ts)
	}
}

func TestAirDropRecordsKeepStableOrder(t *testing.T) {
	recs, err := AirDrop(testHost())
	require.NoError(t, err)

	txt := recs.TXT()
	require.Len(t, txt, len(recs))
	assert.Equal(t, "flags="+AirDropFlags, txt[0])
	assert.Equal(t, "protocol_version="+AirDropProtocolVersion, txt[1])
	assert.Equal(t, "service_id", recs[2].Key)
}

func TestValidateRejectsMissingOrEmptyKeys(t *testing.T) {
	recs, err := AirDrop(testHost())
	require.NoError(t, err)

	for _, key := range RequiredAirDropKeys {
		broken := Records{}
		for _, rec := range recs {
			if rec.Key != key {
				broken = append(broken, rec)
			}
		}
		assert.False(t, Validate(broken), "validation should fail without %s", key)

		blank := recs.Clone()
		blank.Set(key, " ")
		assert.False(t, Validate(blank), "validation should fail with empty %s", key)
	}
}

func TestRefreshSessionOnlyTouchesSessionFields(t *testing.T) {
	host := testHost()
	recs, err := AirDrop(host)
	require.NoError(t, err)
	original := recs.Clone()

	host.Now = func() time.Time { return time.Unix(1700000100, 0) }
	refreshed, err := RefreshSession(recs, host)
	require.NoError(t, err)

	assert.Equal(t, original, recs, "input must not be mutated")
	require.Len(t, refreshed, len(recs))

	changed := map[string]bool{}
	for i := range recs {
		require.Equal(t, recs[i].Key, refreshed[i].Key, "order must be preserved")
		if recs[i].Value != refreshed[i].Value {
			changed[recs[i].Key] = true
		}
	}
	assert.Equal(t, map[string]bool{"session_id": true, "timestamp": true, "phash": true}, changed)
	assert.True(t, Validate(refreshed))
}

func TestRefreshSessionIsDeterministicForSameSource(t *testing.T) {
	seed := make([]byte, 4096)
	_, err := io.ReadFull(rand.Reader, seed)
	require.NoError(t, err)

	recs, err := AirDrop(testHost())
	require.NoError(t, err)

	host := testHost()
	host.Rand = bytes.NewReader(seed)
	first, err := RefreshSession(recs, host)
	require.NoError(t, err)

	host.Rand = bytes.NewReader(seed)
	second, err := RefreshSession(recs, host)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRefreshSessionAddsMissingFields(t *testing.T) {
	refreshed, err := RefreshSession(Records{{Key: "model", Value: "x"}}, testHost())
	require.NoError(t, err)

	for _, key := range []string{"session_id", "timestamp", "phash"} {
		_, ok := refreshed.Get(key)
		assert.True(t, ok, "expected %s to be added", key)
	}
}

func TestCompanionAndDeviceInfoRecords(t *testing.T) {
	companion, err := Companion(testHost())
	require.NoError(t, err)
	version, _ := companion.Get("rpVr")
	assert.Equal(t, CompanionVersion, version)
	name, _ := companion.Get("rpNm")
	assert.Equal(t, "desk-pc", name)

	info, err := DeviceInfo(testHost())
	require.NoError(t, err)
	features, _ := info.Get("features")
	assert.Equal(t, DeviceInfoFeatures, features)
	model, _ := info.Get("model")
	assert.Equal(t, "Windows,1", model)
}

func TestGenerationFailsOnExhaustedRandomSource(t *testing.T) {
	host := testHost()
	host.Rand = bytes.NewReader(nil)

	_, err := AirDrop(host)
	assert.Error(t, err)
	_, err = Companion(host)
	assert.Error(t, err)
}

func TestManufacturerDataRoundTripsThroughFilter(t *testing.T) {
	recs, err := AirDrop(testHost())
	require.NoError(t, err)
	hash, err := DeviceHash(recs)
	require.NoError(t, err)

	payload := ManufacturerData(hash)
	require.Len(t, payload, 12)
	assert.Equal(t, AirDropAdvertisementType, payload[0])
	assert.Equal(t, hash[:6], payload[2:8])
	assert.True(t, IsAirDropManufacturerData(payload))

	withCompany := append([]byte{0x4C, 0x00}, payload...)
	assert.True(t, IsAirDropManufacturerData(withCompany))

	assert.False(t, IsAirDropManufacturerData([]byte{0x10, 0x05}))
	assert.False(t, IsAirDropManufacturerData(nil))
}
