package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for key derivation. These are fixed: changing them
// would break decryption of previously persisted state.
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1

	keySize   = 32
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16

	legacyNonceSize = 24

	// EnvelopeVersion is the current envelope format version.
	EnvelopeVersion = 1
)

// ErrNoPassword is returned when an encrypted value is encountered but
// no encryption password is configured for the scope.
var ErrNoPassword = errors.New("secret: encrypted value found but no encryption password is set")

// ErrAuthentication is returned when a ciphertext fails to authenticate,
// typically because the password is wrong or the payload was tampered with.
var ErrAuthentication = errors.New("secret: decryption failed to authenticate")

// Envelope is the persisted form of an encrypted secret. All fields are
// base64 encoded.
type Envelope struct {
	Version    int    `json:"version"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
	Tag        string `json:"tag"`
}

// Encrypt encrypts plaintext with AES-256-GCM under a key derived from
// password with scrypt. A fresh salt and nonce are drawn per call.
func Encrypt(plaintext []byte, password string) (*Envelope, error) {
	if password == "" {
		return nil, ErrNoPassword
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("secret: failed to generate salt: %w", err)
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("secret: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secret: failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// gcm.Seal appends the authentication tag; the envelope stores it
	// separately.
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding.EncodeToString
	return &Envelope{
		Version:    EnvelopeVersion,
		Ciphertext: enc(ciphertext),
		IV:         enc(nonce),
		Salt:       enc(salt),
		Tag:        enc(tag),
	}, nil
}

// Decrypt is the unified decryption entry point. Structured input (an
// *Envelope, or a map decoded from JSON) is decrypted as AES-256-GCM;
// an opaque string falls back to the legacy nonce-prepended secretbox
// format that older state files used.
func Decrypt(v any, password string) ([]byte, error) {
	if password == "" {
		return nil, ErrNoPassword
	}

	switch payload := v.(type) {
	case *Envelope:
		return decryptEnvelope(payload, password)
	case Envelope:
		return decryptEnvelope(&payload, password)
	case map[string]any:
		env, err := envelopeFromMap(payload)
		if err != nil {
			return nil, err
		}
		return decryptEnvelope(env, password)
	case string:
		return decryptLegacy(payload, password)
	default:
		return nil, fmt.Errorf("secret: unsupported encrypted payload type %T", v)
	}
}

func decryptEnvelope(env *Envelope, password string) ([]byte, error) {
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("secret: unsupported envelope version %d", env.Version)
	}

	dec := base64.StdEncoding.DecodeString
	salt, err := dec(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid salt encoding: %w", err)
	}
	nonce, err := dec(env.IV)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid nonce encoding: %w", err)
	}
	ciphertext, err := dec(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid ciphertext encoding: %w", err)
	}
	tag, err := dec(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid tag encoding: %w", err)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("secret: invalid nonce length %d", len(nonce))
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("secret: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: failed to create GCM: %w", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

func envelopeFromMap(m map[string]any) (*Envelope, error) {
	version, ok := m["version"]
	if !ok {
		return nil, errors.New("secret: payload missing envelope version")
	}
	env := &Envelope{}
	switch v := version.(type) {
	case float64:
		env.Version = int(v)
	case int:
		env.Version = v
	case int64:
		env.Version = int(v)
	default:
		return nil, fmt.Errorf("secret: invalid envelope version type %T", version)
	}

	fields := map[string]*string{
		"ciphertext": &env.Ciphertext,
		"iv":         &env.IV,
		"salt":       &env.Salt,
		"tag":        &env.Tag,
	}
	for name, dst := range fields {
		raw, ok := m[name]
		if !ok {
			return nil, fmt.Errorf("secret: payload missing envelope field %q", name)
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("secret: envelope field %q is not a string", name)
		}
		*dst = s
	}
	return env, nil
}

// decryptLegacy handles the secretbox format older state files carry: a
// bare base64 string with a 24-byte nonce prepended to the box, keyed
// by the SHA-256 of the password.
func decryptLegacy(encoded, password string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid legacy payload encoding: %w", err)
	}
	if len(data) < legacyNonceSize {
		return nil, errors.New("secret: legacy payload too short")
	}

	var nonce [legacyNonceSize]byte
	copy(nonce[:], data[:legacyNonceSize])
	key := sha256.Sum256([]byte(password))

	plaintext, ok := secretbox.Open(nil, data[legacyNonceSize:], &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("%w: legacy payload", ErrAuthentication)
	}
	return plaintext, nil
}

// EncryptLegacy seals plaintext in the legacy secretbox format. It
// exists so tests and migration tooling can produce payloads identical
// to what older releases persisted.
func EncryptLegacy(plaintext []byte, password string) (string, error) {
	if password == "" {
		return "", ErrNoPassword
	}

	var nonce [legacyNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secret: failed to generate nonce: %w", err)
	}
	key := sha256.Sum256([]byte(password))

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
