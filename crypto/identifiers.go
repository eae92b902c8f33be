package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// DeviceHashSize is the byte length of the advertised device hash.
	DeviceHashSize = 8
	deviceHashSeed = 16
)

// RandomHex reads n bytes from src and hex-encodes them.
func RandomHex(src io.Reader, n int, upper bool) (string, error) {
	if n <= 0 {
		return "", errors.New("crypto: random length must be > 0")
	}
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := hex.EncodeToString(buf)
	if upper {
		out = strings.ToUpper(out)
	}
	return out, nil
}

// UpperUUID returns a random UUID as 32 uppercase hex digits without dashes.
func UpperUUID(src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	id, err := uuid.NewRandomFromReader(src)
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")), nil
}

// DeviceHash derives a DeviceHashSize hash from fresh random seed material,
// the project label and the supplied timestamp.
func DeviceHash(src io.Reader, at time.Time) ([]byte, error) {
	if src == nil {
		src = rand.Reader
	}
	seed := make([]byte, deviceHashSeed)
	if _, err := io.ReadFull(src, seed); err != nil {
		return nil, fmt.Errorf("read device hash seed: %w", err)
	}

	info := CommonName + "|" + strconv.FormatInt(at.Unix(), 10)
	reader := hkdf.New(sha256.New, seed, []byte(CommonName), []byte(info))

	out := make([]byte, DeviceHashSize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive device hash: %w", err)
	}
	return out, nil
}
