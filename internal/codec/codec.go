// Package codec defines the boundary between the datastore core and the
// protocol-message encoding the core deliberately does not interpret:
// HPKE configs, ciphertexts, prepare steps, aggregate shares, input shares,
// and report-id checksums all cross this boundary as opaque byte slices.
//
// The core never needs to decode these values for its own purposes except to
// extract an HPKE config id (a single leading byte in the wire format), which
// HPKEConfigID does directly rather than pulling in a full HPKE decoder.
package codec

import "fmt"

// Encoded is an opaque, already-encoded protocol value. The datastore core
// stores and returns these without interpreting their contents.
type Encoded []byte

// HPKEConfigID extracts the one-byte config id that prefixes an encoded HPKE
// config, per the wire format used by the DAP HPKE config structure. The core
// needs this single field (to key the per-task HPKE keypair map) without
// decoding the rest of the structure.
func HPKEConfigID(encodedConfig Encoded) (byte, error) {
	if len(encodedConfig) < 1 {
		return 0, fmt.Errorf("codec: encoded HPKE config too short to contain a config id")
	}
	return encodedConfig[0], nil
}
