package records

// AppleCompanyID is the Bluetooth SIG company identifier assigned to Apple.
const AppleCompanyID uint16 = 0x004C

const (
	// AirDropAdvertisementType marks an Apple continuity payload as AirDrop.
	AirDropAdvertisementType byte = 0x05
	airDropAdvertisementFlag byte = 0x01
	advertisementHashLen          = 6
)

// ManufacturerData builds the AirDrop payload carried under AppleCompanyID.
// The company identifier itself is not included; BLE stacks key manufacturer
// data by it. hash is truncated or zero-padded to six bytes.
func ManufacturerData(hash []byte) []byte {
	out := make([]byte, 0, 2+advertisementHashLen+4)
	out = append(out, AirDropAdvertisementType, airDropAdvertisementFlag)

	padded := make([]byte, advertisementHashLen)
	copy(padded, hash)
	out = append(out, padded...)

	return append(out, 0x00, 0x00, 0x00, 0x00)
}

// IsAirDropManufacturerData reports whether an Apple manufacturer payload
// announces AirDrop. Payloads are accepted with the type at offset 0, or at
// offset 2 when the little-endian company identifier was left in place.
func IsAirDropManufacturerData(data []byte) bool {
	if len(data) >= 1 && data[0] == AirDropAdvertisementType {
		return true
	}
	return len(data) >= 3 && data[0] == byte(AppleCompanyID) && data[1] == byte(AppleCompanyID>>8) && data[2] == AirDropAdvertisementType
}
