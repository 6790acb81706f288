// Package identity manages the per-installation client identity and the
// ephemeral credentials used to pair presenters with viewers.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var errCorrupt = errors.New("corrupt identity file")

// File is the on-disk identity format. PrivateKeyBase64 holds the
// Ed25519 seed; IsProtected marks seeds wrapped by an OS keystore
// before being written (wrapping happens outside this package).
type File struct {
	ClientGUID       uuid.UUID `json:"client_guid"`
	PrivateKeyBase64 string    `json:"private_key_base64"`
	IsProtected      bool      `json:"is_protected"`
}

// Identity is the loaded per-installation identity: a stable client ID
// and an Ed25519 keypair used to prove the registration claim.
type Identity struct {
	ClientID   uuid.UUID
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// Fingerprint returns the hex fingerprint of the public key.
func (id *Identity) Fingerprint() string {
	return FingerprintPublicKey(id.PublicKey)
}

// FingerprintPublicKey derives the 32-byte hex fingerprint of an Ed25519
// public key. The derivation is domain-separated so the value can never
// collide with other uses of the key material; the server recomputes it
// to check the fingerprint a registration claims.
func FingerprintPublicKey(pub ed25519.PublicKey) string {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, pub, []byte("relay-fingerprint-v1"), nil)
	io.ReadFull(r, out) //nolint:errcheck
	return hex.EncodeToString(out)
}

// registrationMessage is the canonical byte string a registration
// signature covers.
func registrationMessage(clientID uuid.UUID, pub ed25519.PublicKey) []byte {
	msg := make([]byte, 0, len("relay-registration-v1")+16+len(pub))
	msg = append(msg, "relay-registration-v1"...)
	msg = append(msg, clientID[:]...)
	msg = append(msg, pub...)
	return msg
}

// SignRegistration produces the base64 proof that the holder of the
// private key claims clientID.
func (id *Identity) SignRegistration() string {
	sig := ed25519.Sign(id.privateKey, registrationMessage(id.ClientID, id.PublicKey))
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKeyBase64 returns the public key for the registration payload.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

// VerifyRegistration checks a registration claim: the public key must
// match the claimed fingerprint and the signature must bind the client
// ID to that key.
func VerifyRegistration(clientID uuid.UUID, fingerprint, publicKeyBase64, signatureBase64 string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("malformed registration public key")
	}
	if FingerprintPublicKey(pub) != fingerprint {
		return errors.New("fingerprint does not match public key")
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return errors.New("malformed registration signature")
	}
	if !ed25519.Verify(pub, registrationMessage(clientID, pub), sig) {
		return errors.New("registration signature verification failed")
	}
	return nil
}

// LoadOrCreate reads the identity file at path, regenerating it when the
// file is missing, unreadable, or corrupt. A broken identity file is
// never a fatal startup error: the client simply gets a fresh identity.
func LoadOrCreate(path string) (*Identity, error) {
	if id, err := load(path); err == nil {
		return id, nil
	}
	return generate(path)
}

func load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.ClientGUID == uuid.Nil {
		return nil, errCorrupt
	}

	seed, err := base64.StdEncoding.DecodeString(f.PrivateKeyBase64)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errCorrupt
	}

	return newIdentity(f.ClientGUID, ed25519.NewKeyFromSeed(seed)), nil
}

func generate(path string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	f := File{
		ClientGUID:       uuid.New(),
		PrivateKeyBase64: base64.StdEncoding.EncodeToString(priv.Seed()),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}

	return newIdentity(f.ClientGUID, priv), nil
}

func newIdentity(clientID uuid.UUID, priv ed25519.PrivateKey) *Identity {
	return &Identity{
		ClientID:   clientID,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
	}
}
