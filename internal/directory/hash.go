package directory

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2 parameters per spec.md §9's "memory-hard hash (e.g., argon2-class)"
// recommendation. Chosen to keep single-request login latency low on
// commodity hardware while still being memory-hard.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashCredential produces a self-describing argon2id digest string of the
// form "argon2id$<time>$<memory>$<threads>$<salt-b64>$<hash-b64>".
func HashCredential(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(plaintext), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		argonTime, argonMemory, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyCredential checks a plaintext credential against a digest produced
// by HashCredential, in constant time. Any malformed digest fails closed.
func VerifyCredential(digest, plaintext string) bool {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}

	var timeCost uint64
	var memoryCost uint64
	var threads uint64
	if _, err := fmt.Sscanf(parts[1], "%d", &timeCost); err != nil {
		return false
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &memoryCost); err != nil {
		return false
	}
	if _, err := fmt.Sscanf(parts[3], "%d", &threads); err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(plaintext), salt, uint32(timeCost), uint32(memoryCost), uint8(threads), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
