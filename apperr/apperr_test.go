package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindStorage, "store", "write failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("initiate: %w", New(KindRateLimited, "handshake", "too soon"))
	assert.True(t, Is(err, KindRateLimited))
	assert.False(t, Is(err, KindTimeout))
}

func TestIsFalseForPlainErrors(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), KindTimeout))
}

func TestSentinelErrorsCarryExpectedKinds(t *testing.T) {
	assert.True(t, Is(ErrUsernameTaken, KindConflict))
	assert.True(t, Is(ErrBlocked, KindAuthorization))
	assert.True(t, Is(ErrSessionDesync, KindAuthentication))
}
