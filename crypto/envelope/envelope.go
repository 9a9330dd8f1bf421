// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the one-way decision encryption used for
// confidential like submissions.  Each submission generates a fresh
// ephemeral X25519 key pair, derives a shared secret with the
// confidential-computation network's published key, and seals each tuple
// field as an independent ciphertext block.  Only the network can open an
// envelope; the client side deliberately has no decrypt path for submitted
// decisions.
package envelope

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/schemes"
	"github.com/katzenpost/hpqc/rand"
)

const (
	// FieldSize is the size of one sealed tuple field in bytes.
	FieldSize = 32

	// PlaintextFieldSize is the size of one plaintext tuple field in
	// bytes.  FieldSize = PlaintextFieldSize + the AEAD tag.
	PlaintextFieldSize = FieldSize - chacha20poly1305.Overhead

	// KeySize is the size of the derived symmetric key in bytes.
	KeySize = 32

	// NonceSize is the size of the envelope nonce in bytes, a u128
	// carried alongside the ciphertext fields.
	NonceSize = 16

	// PublicKeySize is the size of a serialized X25519 public key in
	// bytes.
	PublicKeySize = 32

	// DecisionFields is the number of tuple fields in a decision
	// envelope: actor, target, decision, timestamp.
	DecisionFields = 4
)

var (
	// ErrNoNetworkKey is returned when encryption is attempted without
	// the network's published public key.  Encryption fails closed; there
	// is no fallback to a stale key.
	ErrNoNetworkKey = errors.New("envelope: network public key unavailable")

	// ErrInvalidNetworkKey is returned when the published key cannot be
	// parsed as a group element.
	ErrInvalidNetworkKey = errors.New("envelope: invalid network public key")

	// ErrOpenFailed is returned by the network-side open operation when a
	// ciphertext field fails authentication.
	ErrOpenFailed = errors.New("envelope: field authentication failed")

	errTooManyFields = errors.New("envelope: too many tuple fields")
)

// Scheme is the NIKE used for all envelope shared-secret derivation.
var Scheme = schemes.ByName("x25519")

var hkdfInfo = []byte("cloakmatch-envelope-v1")

// Decision is the plaintext like/pass tuple.  It exists only in the memory
// of the submitting client; it is never persisted or logged in this form.
type Decision struct {
	ActorID   uint64
	TargetID  uint64
	Like      bool
	Timestamp uint64
}

// Envelope is one encrypted decision: four independently sealed ciphertext
// fields, the sender's ephemeral public key, and the envelope nonce.
type Envelope struct {
	Fields       [DecisionFields][FieldSize]byte
	SenderPublic [PublicKeySize]byte
	Nonce        [NonceSize]byte
}

// Cipher seals tuples to the confidential-computation network's published
// public key.  A Cipher is constructed once the key has been fetched and is
// safe for concurrent use; every Seal call uses a fresh ephemeral key pair.
type Cipher struct {
	networkKey nike.PublicKey
}

// New constructs a Cipher from the network's published public key bytes.
func New(networkKey []byte) (*Cipher, error) {
	if len(networkKey) == 0 {
		return nil, ErrNoNetworkKey
	}
	pub, err := Scheme.UnmarshalBinaryPublicKey(networkKey)
	if err != nil {
		return nil, ErrInvalidNetworkKey
	}
	return &Cipher{networkKey: pub}, nil
}

// EncryptDecision seals a decision tuple into an Envelope.  The ephemeral
// private key is zeroized before returning.
func (c *Cipher) EncryptDecision(d *Decision) (*Envelope, error) {
	var fields [DecisionFields][PlaintextFieldSize]byte
	putUint64Field(&fields[0], d.ActorID)
	putUint64Field(&fields[1], d.TargetID)
	putBoolField(&fields[2], d.Like)
	putUint64Field(&fields[3], d.Timestamp)

	sealed, senderPublic, nonce, err := c.SealFields(fields[:])
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		SenderPublic: senderPublic,
		Nonce:        nonce,
	}
	copy(env.Fields[:], sealed)
	return env, nil
}

// SealFields seals an arbitrary tuple of plaintext fields under one fresh
// ephemeral key and envelope nonce.  Each field is an independent AEAD
// ciphertext; field nonces are derived from the shared secret and envelope
// nonce so the single u128 envelope nonce never repeats across fields.
func (c *Cipher) SealFields(fields [][PlaintextFieldSize]byte) ([][FieldSize]byte, [PublicKeySize]byte, [NonceSize]byte, error) {
	var senderPublic [PublicKeySize]byte
	var nonce [NonceSize]byte

	if c == nil || c.networkKey == nil {
		return nil, senderPublic, nonce, ErrNoNetworkKey
	}
	if len(fields) > 255 {
		return nil, senderPublic, nonce, errTooManyFields
	}

	ephPub, ephPriv, err := Scheme.GenerateKeyPair()
	if err != nil {
		return nil, senderPublic, nonce, err
	}
	defer ephPriv.Reset()

	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return nil, senderPublic, nonce, err
	}

	secret := Scheme.DeriveSecret(ephPriv, c.networkKey)
	key, fieldNonces, err := deriveKeyMaterial(secret, nonce, len(fields))
	if err != nil {
		return nil, senderPublic, nonce, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, senderPublic, nonce, err
	}

	sealed := make([][FieldSize]byte, len(fields))
	for i := range fields {
		ct := aead.Seal(nil, fieldNonces[i], fields[i][:], nil)
		copy(sealed[i][:], ct)
	}

	copy(senderPublic[:], ephPub.Bytes())
	return sealed, senderPublic, nonce, nil
}

// OpenFields is the network-side counterpart of SealFields.  It is never
// invoked by the submitting client; it exists for the in-process network
// emulation and for tests exercising both halves of the exchange.
func OpenFields(networkPrivate nike.PrivateKey, senderPublic [PublicKeySize]byte, nonce [NonceSize]byte, fields [][FieldSize]byte) ([][PlaintextFieldSize]byte, error) {
	senderPub, err := Scheme.UnmarshalBinaryPublicKey(senderPublic[:])
	if err != nil {
		return nil, ErrOpenFailed
	}

	secret := Scheme.DeriveSecret(networkPrivate, senderPub)
	key, fieldNonces, err := deriveKeyMaterial(secret, nonce, len(fields))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	opened := make([][PlaintextFieldSize]byte, len(fields))
	for i := range fields {
		pt, err := aead.Open(nil, fieldNonces[i], fields[i][:], nil)
		if err != nil {
			return nil, ErrOpenFailed
		}
		copy(opened[i][:], pt)
	}
	return opened, nil
}

// DecodeDecision reassembles a Decision from opened tuple fields.  Network
// side only, like OpenFields.
func DecodeDecision(fields [][PlaintextFieldSize]byte) (*Decision, error) {
	if len(fields) != DecisionFields {
		return nil, errors.New("envelope: wrong decision field count")
	}
	return &Decision{
		ActorID:   getUint64Field(&fields[0]),
		TargetID:  getUint64Field(&fields[1]),
		Like:      getBoolField(&fields[2]),
		Timestamp: getUint64Field(&fields[3]),
	}, nil
}

func deriveKeyMaterial(secret []byte, nonce [NonceSize]byte, numFields int) ([]byte, [][]byte, error) {
	keymaterial := hkdf.New(sha256.New, secret, nonce[:], hkdfInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(keymaterial, key); err != nil {
		return nil, nil, err
	}
	fieldNonces := make([][]byte, numFields)
	for i := range fieldNonces {
		fieldNonces[i] = make([]byte, chacha20poly1305.NonceSize)
		if _, err := io.ReadFull(keymaterial, fieldNonces[i]); err != nil {
			return nil, nil, err
		}
	}
	return key, fieldNonces, nil
}

func putUint64Field(f *[PlaintextFieldSize]byte, v uint64) {
	for i := 0; i < 8; i++ {
		f[i] = byte(v >> (8 * i))
	}
}

func getUint64Field(f *[PlaintextFieldSize]byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(f[i]) << (8 * i)
	}
	return v
}

func putBoolField(f *[PlaintextFieldSize]byte, b bool) {
	if b {
		f[0] = 1
	}
}

func getBoolField(f *[PlaintextFieldSize]byte) bool {
	return f[0] != 0
}
