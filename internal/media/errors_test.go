package media

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	err := TrimError(ErrIncompatible, "export")
	assert.Equal(t, KindTrim, KindOf(err))
	assert.True(t, IsKind(err, KindTrim))
	assert.False(t, IsKind(err, KindWrite))
	assert.ErrorIs(t, err, ErrIncompatible)
	assert.Equal(t, ErrIncompatible, errors.Cause(err))
	assert.Equal(t, "trim error: export: no pass-through export profile for asset", err.Error())

	wrapped := fmt.Errorf("recording abc: %w", WriteError(nil, "append"))
	assert.Equal(t, KindWrite, KindOf(wrapped))
	assert.Equal(t, ErrorKind(0), KindOf(ErrNoSession))
	assert.False(t, IsKind(nil, KindWrite))
}
