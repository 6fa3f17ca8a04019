package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasherRoundTrip(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)
	passwords := []string{
		"correcthorsebattery1",
		"correcthorsebattery2",
		"Correcthorsebattery1",
		"ümlauts-and-ß-123",
		"            ",
	}
	digests := make([]string, len(passwords))
	for i, p := range passwords {
		digest, err := hasher.Hash(p)
		require.NoError(t, err)
		require.NotEmpty(t, digest)
		require.NotEqual(t, p, digest)
		digests[i] = digest
	}
	for i, p := range passwords {
		for j, digest := range digests {
			ok, err := hasher.Verify(p, digest)
			require.NoError(t, err)
			assert.Equal(t, i == j, ok, "password %d vs digest %d", i, j)
		}
	}
}

func TestBcryptHasherSaltsEachDigest(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)
	a, err := hasher.Hash("correcthorsebattery1")
	require.NoError(t, err)
	b, err := hasher.Hash("correcthorsebattery1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBcryptHasherCorruptDigest(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)
	ok, err := hasher.Verify("correcthorsebattery1", "not-a-bcrypt-digest")
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHashing))
}

func TestBcryptHasherCost(t *testing.T) {
	assert.Equal(t, DefaultHashCost, NewBcryptHasher(0).Cost())
	assert.Equal(t, bcrypt.MinCost, NewBcryptHasher(1).Cost())
	assert.Equal(t, bcrypt.MaxCost, NewBcryptHasher(99).Cost())

	hasher := NewBcryptHasher(bcrypt.MinCost + 1)
	digest, err := hasher.Hash("correcthorsebattery1")
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(digest))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)
}
