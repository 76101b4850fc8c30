package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/argon2"
)

// Argon2id fingerprint parameters.
const (
	fingerprintTime    = 1
	fingerprintMemory  = 8 * 1024 // 8 MiB
	fingerprintThreads = 1
	fingerprintKeyLen  = 16
)

// fingerprintDomain separates fingerprint salts from any other use.
const fingerprintDomain = "halink/connection-config/v1"

// CredentialFingerprint derives a stable, non-reversible identifier for an
// instance's connection settings. Two calls with the same inputs return the
// same value, so processes can compare configs without sharing credentials.
func CredentialFingerprint(instanceID int64, endpoint, credential string) string {
	salt := sha256.Sum256([]byte(fingerprintDomain + "/" + strconv.FormatInt(instanceID, 10)))
	input := endpoint + "\x00" + credential

	key := argon2.IDKey([]byte(input), salt[:16], fingerprintTime, fingerprintMemory, fingerprintThreads, fingerprintKeyLen)
	return "fp1:" + hex.EncodeToString(key)
}

// FingerprintsEqual compares two fingerprints in constant time.
func FingerprintsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
