package ragerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchingThroughWrapping(t *testing.T) {
	base := &Error{Kind: CorruptFile, Op: "extract", Filename: "a.pdf", Err: errors.New("bad xref")}
	wrapped := fmt.Errorf("indexing a.pdf: %w", base)

	assert.True(t, errors.Is(wrapped, &Error{Kind: CorruptFile}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: EmptyExtraction}))
	assert.True(t, IsKind(wrapped, CorruptFile))
	assert.Contains(t, wrapped.Error(), "a.pdf")
	assert.Contains(t, wrapped.Error(), "bad xref")
}

func TestClasses(t *testing.T) {
	assert.Equal(t, ClassIngestion, UnsupportedFormat.Class())
	assert.Equal(t, ClassIndex, DimensionMismatch.Class())
	assert.Equal(t, ClassSynthesis, ModelTimeout.Class())
	assert.Equal(t, ClassValidation, Validation.Class())
}

func TestValidationf(t *testing.T) {
	err := Validationf("question must not be empty")
	assert.True(t, IsValidation(err))
	assert.Equal(t, "validate: validation: question must not be empty", err.Error())

	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
