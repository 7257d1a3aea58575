package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewService("test-signing-key", "slotbooker", time.Hour)

	signed, err := svc.Issue(42)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	id, err := svc.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
}

func TestVerifyFailsClosed(t *testing.T) {
	svc := NewService("test-signing-key", "slotbooker", time.Hour)

	t.Run("garbage input", func(t *testing.T) {
		_, err := svc.Verify("not-a-token")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		other := NewService("other-key", "slotbooker", time.Hour)
		signed, err := other.Issue(7)
		require.NoError(t, err)

		_, err = svc.Verify(signed)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewService("test-signing-key", "someone-else", time.Hour)
		signed, err := other.Issue(7)
		require.NoError(t, err)

		_, err = svc.Verify(signed)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		short := NewService("test-signing-key", "slotbooker", -time.Minute)
		signed, err := short.Issue(7)
		require.NoError(t, err)

		_, err = svc.Verify(signed)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}
