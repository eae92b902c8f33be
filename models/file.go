package models

// FileManifestEntry describes one file announced during a handshake.
type FileManifestEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	MimeType string `json:"mime_type"`
}

// Direction is the side of a transfer relative to this host.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Dialect is the wire encoding negotiated for a session.
type Dialect string

const (
	DialectLegacyJSON Dialect = "legacy_json"
	DialectHTTPSJSON  Dialect = "https_json"
)
