package workerauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	issuer := New([]byte("super-secret-key-material-32b!!"), time.Minute)
	token, err := issuer.Mint("worker-1")
	require.NoError(t, err)

	workerID, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "worker-1", workerID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := New([]byte("secret-a-secret-a-secret-a-32!!!"), time.Minute)
	token, err := issuer.Mint("worker-1")
	require.NoError(t, err)

	other := New([]byte("secret-b-secret-b-secret-b-32!!!"), time.Minute)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := New([]byte("super-secret-key-material-32b!!"), -time.Minute)
	token, err := issuer.Mint("worker-1")
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
