// AngelaMos | 2026
// security_test.go

package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashToken(t *testing.T) {
	got := HashToken("privy-credential")
	assert.Len(t, got, 64)
	assert.Equal(t, got, HashToken("privy-credential"))
	assert.NotEqual(t, got, HashToken("privy-credential "))
	assert.NotContains(t, got, "privy")
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("s3cret", "s3cret"))
	assert.False(t, ConstantTimeEqual("s3cret", "s3cre"))
	assert.False(t, ConstantTimeEqual("", "s3cret"))
}

func TestIsTokenExpiredError(t *testing.T) {
	assert.True(t, IsTokenExpiredError(errors.New(`"exp" not satisfied`)))
	assert.False(t, IsTokenExpiredError(errors.New(`"iss" not satisfied`)))
	assert.False(t, IsTokenExpiredError(nil))
}
