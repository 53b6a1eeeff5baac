package keyring

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSignVerify(t *testing.T) {
	k := New()
	a, err := k.Generate()
	require.NoError(t, err)
	require.Equal(t, AddressOf(a.PublicKey), a.Address)
	require.True(t, k.Has(a.Address))

	digest := sha256.Sum256([]byte("payload"))
	sig, err := k.Sign(a.Address, digest[:])
	require.NoError(t, err)

	ok, err := Verify(a.PublicKey, digest[:], sig)
	require.NoError(t, err)
	require.True(t, ok)

	other := sha256.Sum256([]byte("other"))
	ok, err = Verify(a.PublicKey, other[:], sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExportImport(t *testing.T) {
	k := New()
	a, err := k.Generate()
	require.NoError(t, err)

	hexKey, err := k.Export(a.Address)
	require.NoError(t, err)

	k2 := New()
	b, err := k2.Import(hexKey)
	require.NoError(t, err)
	require.Equal(t, a.Address, b.Address)
	require.Equal(t, a.PublicKey, b.PublicKey)

	again, err := k2.Import(hexKey)
	require.NoError(t, err)
	require.Same(t, b, again)
	require.Len(t, k2.Addresses(), 1)
}

func TestImport_invalid(t *testing.T) {
	k := New()
	_, err := k.Import("not-hex")
	require.Error(t, err)
	_, err = k.Import("abcd")
	require.ErrorContains(t, err, "length")
	_, err = k.Import("0000000000000000000000000000000000000000000000000000000000000000")
	require.ErrorContains(t, err, "invalid private key")
}

func TestUnknownAccount(t *testing.T) {
	k := New()
	_, err := k.Sign("nobody", make([]byte, 32))
	require.ErrorIs(t, err, ErrUnknownAccount)
	_, err = k.Export("nobody")
	require.ErrorIs(t, err, ErrUnknownAccount)
	require.False(t, k.Has("nobody"))
}

func TestAddresses_sorted(t *testing.T) {
	k := New()
	for i := 0; i < 3; i++ {
		_, err := k.Generate()
		require.NoError(t, err)
	}
	addrs := k.Addresses()
	require.Len(t, addrs, 3)
	require.IsIncreasing(t, addrs)
}
