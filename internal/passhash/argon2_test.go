package passhash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashVerify(t *testing.T) {
	h, err := Hash("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h, "$argon2id$v=19$m=65536,t=3,p=2$"))

	ok, err := Verify(h, "correct horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(h, "wrong horse")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHash_Salted(t *testing.T) {
	a, err := Hash("pw")
	require.NoError(t, err)
	b, err := Hash("pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerify_InvalidFormat(t *testing.T) {
	for _, enc := range []string{"", "plain", "$bcrypt$x$y$z$w", "$argon2id$v=19$bad$c2FsdA$aGFzaA", "$argon2id$v=19$m=1,t=1,p=1$!!$aGFzaA"} {
		_, err := Verify(enc, "pw")
		assert.ErrorIs(t, err, ErrInvalidHash, enc)
	}
}
