// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package vault decrypts the root credentials stored for each machine. The
// process-wide key is an explicit Key value built once at startup and
// injected into a Vault; plaintext only ever exists as a security.Secret.
//
// Two envelopes are understood, both base64 encoded at rest:
//
//   - age: an age file sealed to an scrypt passphrase recipient. This is the
//     authenticated format produced by Encrypt.
//   - legacy: the OpenSSL "Salted__" format written by CryptoJS.AES.encrypt
//     (EVP_BytesToKey with MD5, AES-256-CBC, PKCS#7). Accepted so machines
//     provisioned before the age format keep working. It is not
//     authenticated; see openLegacy.
package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"filippo.io/age"
	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/security"
)

const (
	// DefaultWorkFactor is the scrypt log2(N) used by Encrypt.
	DefaultWorkFactor = 15
	// DefaultMaxWorkFactor bounds the work factor Decrypt will accept.
	DefaultMaxWorkFactor = 20
)

var (
	ErrKeyMissing       = errors.New("vault: encryption key is not configured")
	ErrMalformed        = errors.New("vault: malformed ciphertext")
	ErrUnknownEnvelope  = errors.New("vault: unrecognised ciphertext envelope")
	ErrAuthentication   = errors.New("vault: ciphertext failed authentication")
	ErrInvalidPlaintext = errors.New("vault: decrypted credential is not valid UTF-8")
)

var (
	ageHeader    = []byte("age-encryption.org/v1\n")
	saltedPrefix = []byte("Salted__")
)

// Key is the process-wide passphrase. It is immutable after NewKey and
// never formatted in clear.
type Key struct {
	passphrase security.Secret
}

// NewKey validates and copies the passphrase.
func NewKey(passphrase string) (Key, error) {
	if strings.TrimSpace(passphrase) == "" {
		return Key{}, ErrKeyMissing
	}
	return Key{passphrase: security.FromString(passphrase)}, nil
}

// IsZero reports whether the key was never configured.
func (k Key) IsZero() bool { return k.passphrase.Empty() }

// String redacts the key.
func (k Key) String() string { return "vault.Key([SECRET])" }

// Option configures a Vault.
type Option func(*Vault)

// WithWorkFactor sets the scrypt work factor used by Encrypt.
func WithWorkFactor(logN int) Option {
	return func(v *Vault) {
		if logN > 0 && logN <= 30 {
			v.workFactor = logN
		}
	}
}

// WithMaxWorkFactor bounds the work factor accepted by Decrypt.
func WithMaxWorkFactor(logN int) Option {
	return func(v *Vault) {
		if logN > 0 && logN <= 30 {
			v.maxWorkFactor = logN
		}
	}
}

// Vault decrypts credentials with a single Key. It is safe for concurrent use.
type Vault struct {
	key           Key
	workFactor    int
	maxWorkFactor int
}

// New returns a Vault bound to key.
func New(key Key, opts ...Option) *Vault {
	v := &Vault{key: key, workFactor: DefaultWorkFactor, maxWorkFactor: DefaultMaxWorkFactor}
	for _, opt := range opts {
		opt(v)
	}
	if v.maxWorkFactor < v.workFactor {
		v.maxWorkFactor = v.workFactor
	}
	return v
}

// Decrypt opens a stored credential. Every failure is a faults.KindDecryption
// error; a partial or corrupted plaintext is never returned.
func (v *Vault) Decrypt(ciphertext string) (security.Secret, error) {
	if v == nil || v.key.IsZero() {
		return nil, fail(ErrKeyMissing)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	var plaintext []byte
	switch {
	case bytes.HasPrefix(raw, ageHeader):
		plaintext, err = v.openAge(raw)
	case bytes.HasPrefix(raw, saltedPrefix):
		plaintext, err = v.openLegacy(raw)
	default:
		err = ErrUnknownEnvelope
	}
	if err != nil {
		return nil, fail(err)
	}
	if !utf8.Valid(plaintext) {
		wipe(plaintext)
		return nil, fail(ErrInvalidPlaintext)
	}
	return security.Secret(plaintext), nil
}

// Encrypt seals plaintext in the age envelope. It is the inverse of Decrypt
// and is used by the provisioning flow when a machine is registered.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.key.IsZero() {
		return "", ErrKeyMissing
	}
	recipient, err := age.NewScryptRecipient(v.key.passphrase.Reveal())
	if err != nil {
		return "", fmt.Errorf("vault: creating recipient: %w", err)
	}
	recipient.SetWorkFactor(v.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("vault: creating encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("vault: writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("vault: finalizing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (v *Vault) openAge(raw []byte) ([]byte, error) {
	identity, err := age.NewScryptIdentity(v.key.passphrase.Reveal())
	if err != nil {
		return nil, fmt.Errorf("vault: creating identity: %w", err)
	}
	identity.SetMaxWorkFactor(v.maxWorkFactor)

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		// ReadAll hands back whatever was authenticated before the
		// failing chunk; none of it may escape.
		wipe(plaintext)
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

func fail(err error) error {
	return faults.New(faults.KindDecryption, err)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
