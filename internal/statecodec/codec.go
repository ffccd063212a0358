// Package statecodec seals strategy state blobs for storage. Plaintext is the
// JSON encoding of the state map; ciphertext is AES-256-GCM under a key
// derived once per process from ALGORITHM_STATE_SECRET.
package statecodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sells-group/variant-optimizer/internal/apperr"
)

const (
	// MinIterations is the PBKDF2 floor.
	MinIterations = 100000
	// MinSecretLength is the shortest accepted passphrase.
	MinSecretLength = 32

	formatVersion byte = 0x01
	keyLength          = 32
)

// salt separates this key from any other derived from the same secret.
var salt = []byte("variant-optimizer/state/v1")

// Codec encrypts and decrypts state maps. It is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New derives the state key from secret. Iteration counts below
// MinIterations are raised to it.
func New(secret string, iterations int) (*Codec, error) {
	if secret == "" {
		return nil, apperr.New(apperr.InvalidArgument, "statecodec: ALGORITHM_STATE_SECRET is not set")
	}
	if len(secret) < MinSecretLength {
		return nil, apperr.New(apperr.InvalidArgument, "statecodec: secret must be at least %d characters", MinSecretLength)
	}
	if iterations < MinIterations {
		iterations = MinIterations
	}

	key := pbkdf2.Key([]byte(secret), salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "statecodec: new cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "statecodec: new gcm")
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals state under a fresh nonce. The layout is
// version || nonce || ciphertext+tag.
func (c *Codec) Encrypt(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	plaintext, err := json.Marshal(state)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.InvalidArgument, "statecodec: marshal state")
	}

	nonceSize := c.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+c.aead.Overhead())
	out[0] = formatVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, apperr.Wrap(err, apperr.Internal, "statecodec: read nonce")
	}
	// The version byte is authenticated as associated data.
	return c.aead.Seal(out, out[1:], plaintext, out[:1]), nil
}

// Decrypt opens a sealed blob. Any malformed or tampered input fails with
// an Integrity error and no partial state.
func (c *Codec) Decrypt(blob []byte) (map[string]any, error) {
	nonceSize := c.aead.NonceSize()
	if len(blob) < 1+nonceSize+c.aead.Overhead() {
		return nil, apperr.New(apperr.Integrity, "statecodec: ciphertext too short (%d bytes)", len(blob))
	}
	if blob[0] != formatVersion {
		return nil, apperr.New(apperr.Integrity, "statecodec: unknown format version %d", blob[0])
	}

	nonce := blob[1 : 1+nonceSize]
	plaintext, err := c.aead.Open(nil, nonce, blob[1+nonceSize:], blob[:1])
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Integrity, "statecodec: authenticate state")
	}

	var state map[string]any
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, apperr.Wrap(err, apperr.Integrity, "statecodec: unmarshal state")
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}
