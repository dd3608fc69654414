package wserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInputError(t *testing.T) {
	err := Input("channel %q is required", "g")
	assert.Equal(t, CodeInput, err.Code)
	assert.Contains(t, err.Error(), "g")
}

func TestAuthorizationError(t *testing.T) {
	err := Authorization("must join %s before sending", "general")
	assert.Equal(t, CodeAuthorization, err.Code)
	assert.Contains(t, err.Message, "general")
}

func TestInternalErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Internal("unexpected failure", cause)
	assert.ErrorIs(t, err, cause)
}
