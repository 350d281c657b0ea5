package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortKey(t *testing.T) {
	assert.Equal(t, "abcdef01", ShortKey("abcdef0123456789"))
	assert.Equal(t, "abc", ShortKey("abc"))
}

func TestLoggerHelperFields(t *testing.T) {
	l := NewLogger("crypto", "Sign").WithField("pubkey", "abcd").WithError(errors.New("boom"), "sign")
	f := l.Fields()
	assert.Equal(t, "Sign", f["function"])
	assert.Equal(t, "crypto", f["package"])
	assert.Equal(t, "boom", f["error"])
	assert.Equal(t, "sign", f["operation"])
}
