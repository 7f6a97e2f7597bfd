package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_KeepsOutermostCode(t *testing.T) {
	inner := SchemaError("bad modulus")
	outer := &AppError{Code: CodeNotFound, Message: "cached run", Cause: fmt.Errorf("load: %w", inner)}

	err := Wrap(outer, "failed to load cached permutation run")
	assert.Equal(t, CodeNotFound, GetCode(err))
	assert.True(t, HasCode(err, CodeSchemaError))
	assert.Equal(t, "failed to load cached permutation run: cached run: load: bad modulus", err.Error())
}

func TestWrap_Codes(t *testing.T) {
	assert.Equal(t, CodeSchemaError, GetCode(Wrap(fmt.Errorf("read: %w", SchemaError("x")), "ctx")))
	assert.Equal(t, CodeInternalError, GetCode(Wrap(fmt.Errorf("plain"), "ctx")))
	assert.Nil(t, Wrap(nil, "ctx"))
	assert.Equal(t, "UNKNOWN", GetCode(fmt.Errorf("plain")))
}
