package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))

	token, err := Generate(opts, "alice")
	require.NoError(t, err)

	sub, err := VerifySubject(opts, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := Generate(DefaultOptions([]byte("right")), "alice")
	require.NoError(t, err)

	_, err = VerifySubject(DefaultOptions([]byte("wrong")), token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	opts.TTL = time.Millisecond

	token, err := Generate(opts, "alice")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = VerifySubject(opts, token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := VerifySubject(DefaultOptions([]byte("secret")), "not.a.token")
	assert.Error(t, err)
}

func TestUnsupportedAlgRejected(t *testing.T) {
	opts := Options{Secret: []byte("secret"), Alg: "RS256"}
	_, err := Generate(opts, "alice")
	assert.Error(t, err)
	_, err = VerifySubject(opts, "whatever")
	assert.Error(t, err)
}

func TestAlgFamilyVariants(t *testing.T) {
	for _, alg := range []string{"HS256", "HS384", "HS512"} {
		opts := Options{Secret: []byte("secret"), Alg: alg, TTL: time.Hour}
		token, err := Generate(opts, "bob")
		require.NoError(t, err, alg)
		sub, err := VerifySubject(opts, token)
		require.NoError(t, err, alg)
		assert.Equal(t, "bob", sub)
	}
}
