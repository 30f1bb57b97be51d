package identity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// DeviceIdentity is the set of digests a Stalker-style portal expects a
// set-top box to present during profile validation. All fields are derived
// from the device MAC alone, so the same MAC always yields the same identity
// and the portal can recompute and verify every value independently.
//
// The digest algorithms (MD5 for the serial, SHA-256 for the device IDs and
// signature) and the exact input byte sequences are a wire compatibility
// requirement and must not be changed.
type DeviceIdentity struct {
	SerialNumber string // Upper-hex MD5 of the MAC string
	SerialCut    string // First 13 characters of SerialNumber, sent as "sn"
	DeviceID1    string // Upper-hex SHA-256 of the MAC string
	DeviceID2    string // Upper-hex SHA-256 of SerialCut
	Signature    string // Upper-hex SHA-256 of SerialCut + MAC
	MACEncoded   string // URL-encoded upper-case MAC
}

// Derive computes the device identity for a MAC address. It is a total
// function: any input string, malformed MACs included, produces a
// deterministic identity. The portal, not this layer, decides whether the
// MAC is acceptable.
func Derive(mac string) DeviceIdentity {
	serial := upperHexMD5(mac)
	serialCut := serial[:13]

	return DeviceIdentity{
		SerialNumber: serial,
		SerialCut:    serialCut,
		DeviceID1:    upperHexSHA256(mac),
		DeviceID2:    upperHexSHA256(serialCut),
		Signature:    upperHexSHA256(serialCut + mac),
		MACEncoded:   url.QueryEscape(strings.ToUpper(mac)),
	}
}

func upperHexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func upperHexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
