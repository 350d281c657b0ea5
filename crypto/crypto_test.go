package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	defer id.Wipe()

	assert.Len(t, id.PublicKeyHex(), 64)
	assert.NotEqual(t, [32]byte{}, id.PublicKey())

	other, err := GenerateIdentity()
	require.NoError(t, err)
	defer other.Wipe()
	assert.NotEqual(t, id.PublicKeyHex(), other.PublicKeyHex(), "two generated identities must differ")
}

func TestIdentityKnownVector(t *testing.T) {
	// BIP-340 test vector 0.
	id, err := IdentityFromHex("0000000000000000000000000000000000000000000000000000000000000003")
	require.NoError(t, err)
	assert.Equal(t, "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9", id.PublicKeyHex())
}

func TestIdentityFromBytesRejectsInvalidScalars(t *testing.T) {
	order, _ := hex.DecodeString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")
	aboveOrder, _ := hex.DecodeString("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	cases := []struct {
		name   string
		secret []byte
	}{
		{"zero", make([]byte, 32)},
		{"equal to order", order},
		{"above order", aboveOrder},
		{"short", make([]byte, 31)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := IdentityFromBytes(tc.secret)
			assert.ErrorIs(t, err, ErrInvalidSecretKey)
		})
	}
}

func TestIdentityBech32Roundtrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	nsec, err := id.Nsec()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(nsec, "nsec1"))

	npub, err := id.Npub()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(npub, "npub1"))

	imported, err := IdentityFromNsec(nsec)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKeyHex(), imported.PublicKeyHex())
	assert.Len(t, imported.PublicKeyHex(), 64)
}

func TestIdentityFromNsecRejectsGarbage(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	npub, err := id.Npub()
	require.NoError(t, err)

	for _, in := range []string{"", "nsec1notreally", npub} {
		_, err := IdentityFromNsec(in)
		assert.ErrorIs(t, err, ErrInvalidNsec, "input %q", in)
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("circle event"))
	sig, err := id.Sign(digest)
	require.NoError(t, err)

	assert.NoError(t, VerifySignature(id.PublicKey(), digest, sig))

	tampered := digest
	tampered[0] ^= 0x01
	assert.ErrorIs(t, VerifySignature(id.PublicKey(), tampered, sig), ErrInvalidSignature)
}

func TestIdentityStringHidesSecret(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	secret, err := id.SecretBytes()
	require.NoError(t, err)
	secretHex := hex.EncodeToString(secret)
	ZeroBytes(secret)

	for _, s := range []string{id.String(), id.GoString()} {
		assert.Contains(t, s, id.PublicKeyHex())
		assert.NotContains(t, s, secretHex)
	}
}

func TestWipedIdentityCannotSign(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	pub := id.PublicKeyHex()

	id.Wipe()

	_, err = id.Sign([32]byte{1})
	assert.ErrorIs(t, err, ErrKeyWiped)
	_, err = id.Nsec()
	assert.ErrorIs(t, err, ErrKeyWiped)
	assert.Equal(t, pub, id.PublicKeyHex(), "public key stays readable after wipe")
}

func TestEphemeralKeysAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		ek, err := GenerateEphemeralKeys()
		require.NoError(t, err)
		assert.False(t, seen[ek.PublicKeyHex()], "ephemeral key repeated")
		seen[ek.PublicKeyHex()] = true
		ek.Wipe()
	}
}

func TestEphemeralKeysSign(t *testing.T) {
	ek, err := GenerateEphemeralKeys()
	require.NoError(t, err)
	defer ek.Wipe()

	digest := sha256.Sum256([]byte("outer event"))
	sig, err := ek.Sign(digest)
	require.NoError(t, err)
	assert.NoError(t, VerifySignature(ek.PublicKey(), digest, sig))
	assert.NotContains(t, ek.String(), "secret")
}

func TestParsePublicKey(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	_, err = ParsePublicKey(id.PublicKeyHex())
	assert.NoError(t, err)
	assert.True(t, IsValidPublicKey(id.PublicKeyHex()))

	for _, bad := range []string{"", "abc", strings.Repeat("z", 64), strings.Repeat("f", 64)} {
		_, err := ParsePublicKey(bad)
		assert.ErrorIs(t, err, ErrInvalidPubkey, "input %q", bad)
	}
}
