package waddrmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSeedEncryption checks that a sealed seed opens only with the right
// passphrase and that tampering is detected.
func TestSeedEncryption(t *testing.T) {
	t.Parallel()

	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	require.Len(t, seed, 64)

	pass := []byte("hunter2")
	sealed, err := EncryptSeed(seed, pass, FastKDFParams)
	require.NoError(t, err)

	opened, err := DecryptSeed(sealed, pass)
	require.NoError(t, err)
	require.Equal(t, seed, opened)

	_, err = DecryptSeed(sealed, []byte("hunter3"))
	require.True(t, IsError(err, ErrWrongPassphrase), err)

	// Flipping a KDF parameter breaks authentication.
	tampered := append([]byte(nil), sealed...)
	tampered[1+seedSaltSize+7]++
	_, err = DecryptSeed(tampered, pass)
	require.True(t, IsError(err, ErrWrongPassphrase), err)

	tampered = append([]byte(nil), sealed...)
	tampered[0] = 9
	_, err = DecryptSeed(tampered, pass)
	require.True(t, IsError(err, ErrCrypto), err)

	_, err = DecryptSeed(sealed[:10], pass)
	require.True(t, IsError(err, ErrCrypto), err)

	// Two encryptions of the same seed differ.
	again, err := EncryptSeed(seed, pass, FastKDFParams)
	require.NoError(t, err)
	require.NotEqual(t, sealed, again)
}

// TestMnemonic checks mnemonic generation and validation.
func TestMnemonic(t *testing.T) {
	t.Parallel()

	mnemonic, err := NewMnemonic()
	require.NoError(t, err)

	_, err = SeedFromMnemonic(mnemonic, "")
	require.NoError(t, err)

	// Extra whitespace is tolerated.
	_, err = SeedFromMnemonic("  "+mnemonic+"\n", "")
	require.NoError(t, err)

	// The mnemonic passphrase changes the seed.
	plain, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	salted, err := SeedFromMnemonic(testMnemonic, "TREZOR")
	require.NoError(t, err)
	require.NotEqual(t, plain, salted)

	_, err = SeedFromMnemonic("abandon abandon abandon", "")
	require.True(t, IsError(err, ErrInvalidMnemonic), err)
}
