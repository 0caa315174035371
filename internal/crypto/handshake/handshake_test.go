package handshake

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Fixed P-384 scalars 0x11.. and 0x22.. and their ECDH output.
const (
	vectorPubA   = "04386e767ea5cb716c9cd620ff7342129c892a6fccefe612140c80bff59e943468019dda16e5079b0c1d9001d23a624b6dd088d0c3826394194787403e8a7d07e5e22f7e9c0b8e80fa1faff5d28b4bb597b267f0b87023ca61fc8454bddefd2e0e"
	vectorPubB   = "044f2bda7fd2105f8467e21f45223ad58863ffa4c084832d9f6c64ffc47fdd519727ab53cb71f9c40de24b64acde61f02fc7dce130b612fa5dbcac94573a2354fd005d8e9caefdc5fde48304474708bbd82f77e1fd2c630bea236f6f8dccc1678e"
	vectorSecret = "2ac3da23c114b5b1f3aa200cf3c57bebd1b3b880a0e68066ab5d00dda50dcfe6cd03410292346187a84b1f12d53569c0"
	vectorKey    = "f3aa200cf3c57bebd1b3b880a0e68066ab5d00dda50dcfe6cd03410292346187"
)

type rsaSigner struct {
	priv *rsa.PrivateKey
}

func (s rsaSigner) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
}

func newSigner(t *testing.T) rsaSigner {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return rsaSigner{priv: priv}
}

func TestFixedVector(t *testing.T) {
	a, err := KeyPairFromBytes(bytes.Repeat([]byte{0x11}, SecretSize))
	require.NoError(t, err)
	b, err := KeyPairFromBytes(bytes.Repeat([]byte{0x22}, SecretSize))
	require.NoError(t, err)

	require.Equal(t, vectorPubA, a.PublicHex())
	require.Equal(t, vectorPubB, b.PublicHex())

	keyA, err := a.SharedKey(b.Public())
	require.NoError(t, err)
	keyB, err := b.SharedKey(a.Public())
	require.NoError(t, err)
	require.Equal(t, vectorKey, hex.EncodeToString(keyA))
	require.Equal(t, keyA, keyB)
}

func TestDeriveKeySlice(t *testing.T) {
	secret, err := hex.DecodeString(vectorSecret)
	require.NoError(t, err)
	key, err := DeriveKey(secret)
	require.NoError(t, err)
	require.Len(t, key, KeySize)
	require.Equal(t, secret[8:40], key)

	_, err = DeriveKey(secret[:32])
	require.Error(t, err)
}

func TestRespondAndCompleteAgree(t *testing.T) {
	signer := newSigner(t)
	for i := 0; i < 5; i++ {
		client, err := GenerateKeyPair(nil)
		require.NoError(t, err)

		reply, serverKey, err := Respond(client.PublicHex(), signer, nil)
		require.NoError(t, err)

		clientKey, err := client.Complete(reply, &signer.priv.PublicKey)
		require.NoError(t, err)
		require.Equal(t, serverKey, clientKey)
		require.Len(t, clientKey, KeySize)
	}
}

func TestRespondRejectsBadInput(t *testing.T) {
	signer := newSigner(t)

	_, _, err := Respond("zz-not-hex", signer, nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, _, err = Respond(strings.Repeat("ab", MaxClientKeyChars/2), signer, nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	// valid hex, not a curve point
	_, _, err = Respond(strings.Repeat("04", 97), signer, nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, _, err = Respond("", signer, nil)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestCompleteRejectsForgedSignature(t *testing.T) {
	signer := newSigner(t)
	impostor := newSigner(t)

	client, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	reply, _, err := Respond(client.PublicHex(), impostor, nil)
	require.NoError(t, err)

	_, err = client.Complete(reply, &signer.priv.PublicKey)
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = client.Complete("no-separator", &signer.priv.PublicKey)
	require.ErrorIs(t, err, ErrBadReply)
}

func TestParseServerKey(t *testing.T) {
	signer := newSigner(t)
	der, err := x509.MarshalPKIXPublicKey(&signer.priv.PublicKey)
	require.NoError(t, err)

	pub, err := ParseServerKey(base64.StdEncoding.EncodeToString(der))
	require.NoError(t, err)
	require.True(t, pub.Equal(&signer.priv.PublicKey))

	_, err = ParseServerKey("!!!")
	require.ErrorIs(t, err, ErrInvalidKey)
}
