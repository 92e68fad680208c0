package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindTransient, KindOf(cause), "unclassified errors are transient")
	assert.Equal(t, KindPoison, KindOf(Poison("decode", cause)))
	assert.Equal(t, KindFatal, KindOf(Fatal("config", cause)))
	assert.Equal(t, KindConflict, KindOf(Conflict("assign", nil)))
	assert.Equal(t, KindNotAvailable, KindOf(NotAvailable("assign", nil)))

	wrapped := fmt.Errorf("handle message: %w", Transient("store", cause))
	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "assign: conflict", Conflict("assign", nil).Error())
	assert.Equal(t, "decode: bad json", Poison("decode", errors.New("bad json")).Error())
	assert.True(t, Is(Poison("decode", nil), KindPoison))
	assert.Equal(t, "not_available", KindNotAvailable.String())
}
