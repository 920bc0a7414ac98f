// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"crypto/rand"
	"encoding/binary"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MnemonicEntropyBits is the entropy of generated mnemonics, giving 24
	// words.
	MnemonicEntropyBits = 256

	// seedCipherVersion is the version byte of the encrypted seed format.
	seedCipherVersion byte = 1

	// seedSaltSize is the size of the KDF salt.
	seedSaltSize = 32

	// seedHeaderSize is the size of the fixed header preceding the nonce:
	// version | salt | memory | iterations | parallelism.
	seedHeaderSize = 1 + seedSaltSize + 4 + 4 + 1
)

// KDFParams are the Argon2id parameters used to turn the wallet passphrase
// into the seed encryption key.
type KDFParams struct {
	// Memory is the memory cost in KiB.
	Memory uint32

	// Iterations is the time cost.
	Iterations uint32

	// Parallelism is the number of lanes.
	Parallelism uint8
}

// DefaultKDFParams are the parameters used for new wallets.
var DefaultKDFParams = KDFParams{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 4,
}

// FastKDFParams are cheap parameters for tests and simulation networks.
var FastKDFParams = KDFParams{
	Memory:      1024,
	Iterations:  1,
	Parallelism: 1,
}

// NewMnemonic returns a fresh 24 word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", managerError(ErrCrypto, "unable to read entropy", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", managerError(ErrCrypto, "unable to create mnemonic",
			err)
	}

	return mnemonic, nil
}

// SeedFromMnemonic validates a BIP-39 mnemonic and returns the 64 byte seed
// it encodes under the optional mnemonic passphrase.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, managerError(ErrInvalidMnemonic, "invalid mnemonic",
			err)
	}

	return seed, nil
}

// EncryptSeed seals the seed under a key derived from the passphrase. The
// result embeds the KDF parameters so they can change between wallets.
//
// Format: version | salt | memory | iterations | parallelism | nonce |
// ciphertext.
func EncryptSeed(seed, passphrase []byte, params KDFParams) ([]byte, error) {
	salt := make([]byte, seedSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, managerError(ErrCrypto, "unable to generate salt", err)
	}

	key := deriveSeedKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, managerError(ErrCrypto, "unable to create cipher", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, managerError(ErrCrypto, "unable to generate nonce",
			err)
	}

	out := make([]byte, 0, seedHeaderSize+len(nonce)+len(seed)+
		aead.Overhead())
	out = append(out, seedCipherVersion)
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, params.Memory)
	out = binary.BigEndian.AppendUint32(out, params.Iterations)
	out = append(out, params.Parallelism)
	out = append(out, nonce...)

	// The header is authenticated so tampering with the KDF parameters is
	// detected.
	return aead.Seal(out, nonce, seed, out[:seedHeaderSize]), nil
}

// DecryptSeed opens a seed sealed by EncryptSeed. A wrong passphrase returns
// ErrWrongPassphrase.
func DecryptSeed(sealed, passphrase []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSizeX
	if len(sealed) < seedHeaderSize+nonceSize+chacha20poly1305.Overhead {
		return nil, managerErrorf(ErrCrypto, "sealed seed too short: "+
			"%d bytes", len(sealed))
	}

	if sealed[0] != seedCipherVersion {
		return nil, managerErrorf(ErrCrypto, "unknown seed cipher "+
			"version %d", sealed[0])
	}

	salt := sealed[1 : 1+seedSaltSize]
	offset := 1 + seedSaltSize
	params := KDFParams{
		Memory:      binary.BigEndian.Uint32(sealed[offset:]),
		Iterations:  binary.BigEndian.Uint32(sealed[offset+4:]),
		Parallelism: sealed[offset+8],
	}
	if params.Iterations == 0 || params.Parallelism == 0 {
		return nil, managerError(ErrCrypto, "invalid kdf parameters",
			nil)
	}

	nonce := sealed[seedHeaderSize : seedHeaderSize+nonceSize]
	ciphertext := sealed[seedHeaderSize+nonceSize:]

	key := deriveSeedKey(passphrase, salt, params)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, managerError(ErrCrypto, "unable to create cipher", err)
	}

	seed, err := aead.Open(nil, nonce, ciphertext, sealed[:seedHeaderSize])
	if err != nil {
		return nil, managerError(ErrWrongPassphrase,
			"unable to decrypt seed", err)
	}

	return seed, nil
}

// deriveSeedKey runs Argon2id over the passphrase.
func deriveSeedKey(passphrase, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(
		passphrase, salt, params.Iterations, params.Memory,
		params.Parallelism, chacha20poly1305.KeySize,
	)
}

// zeroBytes clears a secret buffer.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroSeed clears a seed buffer once the caller is done with it.
func ZeroSeed(seed []byte) {
	zeroBytes(seed)
}
