package rollout

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DefaultFingerprintTag is the remote tag holding the fingerprint of the
// last successful deployment.
const DefaultFingerprintTag = "ensemble_fingerprint"

// fingerprintKey separates deployment fingerprints from other BLAKE3 uses.
var fingerprintKey = [32]byte{
	'e', 'n', 's', 'e', 'm', 'b', 'l', 'e', '.', 'f', 'i', 'n', 'g', 'e', 'r',
	'p', 'r', 'i', 'n', 't',
}

// Fingerprint hashes a rendered template together with the target it is
// deployed to. The target id is length-prefixed so that no (target, body)
// pair can collide with another by moving bytes across the boundary.
func Fingerprint(body []byte, targetID string) string {
	h, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("rollout: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(targetID)))
	h.Write(n[:])
	h.Write([]byte(targetID))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
