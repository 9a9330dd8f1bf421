// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package profile implements dating profile validation and the sealing of
// the profile's private payloads under a passphrase-derived key.
package profile

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/cloakmatch/cloakmatch/ledger"
)

const (
	// MinUsernameLen is the minimum username length.
	MinUsernameLen = 3

	// MaxUsernameLen is the maximum username length.
	MaxUsernameLen = 32

	// MinAge is the minimum allowed age.
	MinAge = 18

	// MaxAge is the maximum allowed age.
	MaxAge = 99

	// MaxPrivateDataSize bounds the sealed private profile payload.
	MaxPrivateDataSize = 1000

	// MaxPreferencesSize bounds the sealed preferences payload.
	MaxPreferencesSize = 500

	keySize   = 32
	nonceSize = 24
)

var (
	// ErrUsernameLength is returned for usernames outside the length
	// bounds.
	ErrUsernameLength = fmt.Errorf("profile: username must be %d to %d characters", MinUsernameLen, MaxUsernameLen)

	// ErrUsernameCharset is returned for usernames with characters other
	// than letters, digits and underscores.
	ErrUsernameCharset = errors.New("profile: username can only contain letters, numbers and underscores")

	// ErrAge is returned for ages outside the allowed range.
	ErrAge = fmt.Errorf("profile: age must be %d to %d", MinAge, MaxAge)

	// ErrPrivateDataTooLarge is returned when the sealed private payload
	// exceeds its bound.
	ErrPrivateDataTooLarge = fmt.Errorf("profile: private data exceeds %d bytes", MaxPrivateDataSize)

	// ErrPreferencesTooLarge is returned when the sealed preferences
	// payload exceeds its bound.
	ErrPreferencesTooLarge = fmt.Errorf("profile: preferences exceed %d bytes", MaxPreferencesSize)

	// ErrDecryptFailed is returned when a sealed payload cannot be
	// opened.
	ErrDecryptFailed = errors.New("profile: failed to decrypt sealed payload")
)

// PrivateData is the profile payload only its owner can read.
type PrivateData struct {
	FullName       string   `cbor:"full_name"`
	Bio            string   `cbor:"bio"`
	Interests      []string `cbor:"interests"`
	ContactHandle  string   `cbor:"contact_handle"`
	LocationDetail string   `cbor:"location_detail"`
}

// Preferences is the sealed matching preferences payload.
type Preferences struct {
	AgeMin              uint8  `cbor:"age_min"`
	AgeMax              uint8  `cbor:"age_max"`
	PreferredDistanceKm uint16 `cbor:"preferred_distance_km"`
	RelationshipType    uint8  `cbor:"relationship_type"`
	ShowMeInDiscovery   bool   `cbor:"show_me_in_discovery"`
	NotifyOnMutualsOnly bool   `cbor:"notify_on_mutuals_only"`
}

// ValidateUsername checks the username rules.
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLen || len(username) > MaxUsernameLen {
		return ErrUsernameLength
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return ErrUsernameCharset
		}
	}
	return nil
}

// ValidateAge checks the age bounds.
func ValidateAge(age uint8) error {
	if age < MinAge || age > MaxAge {
		return ErrAge
	}
	return nil
}

// Validate checks a profile record against all registration rules.
func Validate(rec *ledger.ProfileRecord) error {
	if err := ValidateUsername(rec.Username); err != nil {
		return err
	}
	if err := ValidateAge(rec.Age); err != nil {
		return err
	}
	if len(rec.EncryptedPrivateData) > MaxPrivateDataSize {
		return ErrPrivateDataTooLarge
	}
	if len(rec.EncryptedPreferences) > MaxPreferencesSize {
		return ErrPreferencesTooLarge
	}
	return nil
}

// StretchKey derives the sealing key from a passphrase.
func StretchKey(passphrase []byte) *[keySize]byte {
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	key := new([keySize]byte)
	copy(key[:], secret)
	return key
}

func seal(plaintext []byte, key *[keySize]byte) ([]byte, error) {
	nonce := [nonceSize]byte{}
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		return nil, err
	}
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, key)
	return append(nonce[:], ciphertext...), nil
}

func open(ciphertext []byte, key *[keySize]byte) ([]byte, error) {
	if len(ciphertext) <= nonceSize {
		return nil, ErrDecryptFailed
	}
	nonce := [nonceSize]byte{}
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// SealPrivateData encodes and seals the private payload.
func SealPrivateData(data *PrivateData, key *[keySize]byte) ([]byte, error) {
	plaintext, err := cbor.Marshal(data)
	if err != nil {
		return nil, err
	}
	sealed, err := seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) > MaxPrivateDataSize {
		return nil, ErrPrivateDataTooLarge
	}
	return sealed, nil
}

// OpenPrivateData opens and decodes the private payload.
func OpenPrivateData(sealed []byte, key *[keySize]byte) (*PrivateData, error) {
	plaintext, err := open(sealed, key)
	if err != nil {
		return nil, err
	}
	data := new(PrivateData)
	if err := cbor.Unmarshal(plaintext, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SealPreferences encodes and seals the preferences payload.
func SealPreferences(prefs *Preferences, key *[keySize]byte) ([]byte, error) {
	plaintext, err := cbor.Marshal(prefs)
	if err != nil {
		return nil, err
	}
	sealed, err := seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) > MaxPreferencesSize {
		return nil, ErrPreferencesTooLarge
	}
	return sealed, nil
}

// OpenPreferences opens and decodes the preferences payload.
func OpenPreferences(sealed []byte, key *[keySize]byte) (*Preferences, error) {
	plaintext, err := open(sealed, key)
	if err != nil {
		return nil, err
	}
	prefs := new(Preferences)
	if err := cbor.Unmarshal(plaintext, prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}
