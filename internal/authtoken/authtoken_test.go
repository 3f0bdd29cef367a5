package authtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	iss := New("s3cr3t", "kvmapd", time.Minute)
	tok, err := iss.Mint("client-a")
	require.NoError(t, err)

	claims, err := iss.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "client-a", claims.ClientID)
	require.Equal(t, "kvmapd", claims.Issuer)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a := New("secret-a", "kvmapd", time.Minute)
	b := New("secret-b", "kvmapd", time.Minute)

	tok, err := a.Mint("client-a")
	require.NoError(t, err)

	_, err = b.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	iss := New("secret", "kvmapd", time.Millisecond)
	tok, err := iss.Mint("client-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = iss.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	a := New("secret", "issuer-a", time.Minute)
	b := New("secret", "issuer-b", time.Minute)

	tok, err := a.Mint("client-a")
	require.NoError(t, err)

	_, err = b.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}
