// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"fmt"
)

const (
	legacySaltLen = 8
	legacyKeyLen  = 32
)

// openLegacy decrypts the OpenSSL-compatible envelope produced by
// CryptoJS.AES.encrypt(plaintext, passphrase):
//
//	base64("Salted__" || salt[8] || AES-256-CBC(PKCS#7(plaintext)))
//
// with key and IV derived by EVP_BytesToKey(MD5, 1 iteration). CBC carries
// no MAC, so tampering is detected only through the padding and UTF-8
// checks; Encrypt never produces this format.
func (v *Vault) openLegacy(raw []byte) ([]byte, error) {
	body := raw[len(saltedPrefix):]
	if len(body) < legacySaltLen+aes.BlockSize {
		return nil, fmt.Errorf("%w: legacy envelope too short", ErrMalformed)
	}
	salt, ct := body[:legacySaltLen], body[legacySaltLen:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: legacy ciphertext is not block aligned", ErrMalformed)
	}

	key, iv := evpBytesToKey(v.key.passphrase, salt, legacyKeyLen, aes.BlockSize)
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: legacy cipher: %w", err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	n, ok := pkcs7Len(out)
	if !ok {
		wipe(out)
		return nil, fmt.Errorf("%w: bad padding (wrong key or corrupted data)", ErrAuthentication)
	}
	plaintext := make([]byte, n)
	copy(plaintext, out[:n])
	wipe(out)
	return plaintext, nil
}

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5 and one iteration.
func evpBytesToKey(pass, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

// pkcs7Len validates PKCS#7 padding and returns the unpadded length.
func pkcs7Len(b []byte) (int, bool) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return 0, false
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return 0, false
	}
	var diff byte
	for _, c := range b[len(b)-pad:] {
		diff |= c ^ byte(pad)
	}
	if diff != 0 {
		return 0, false
	}
	return len(b) - pad, true
}
