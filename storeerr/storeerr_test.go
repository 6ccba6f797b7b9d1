package storeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindValidation, "kvstore.Upsert", "keys and values length mismatch")
	assert.Equal(t, "kvstore.Upsert [validation]: keys and values length mismatch", err.Error())

	wrapped := Wrap(errors.New("dial tcp: refused"), KindConnection, "graphstore.New")
	assert.Contains(t, wrapped.Error(), "dial tcp: refused")
	assert.Contains(t, wrapped.Error(), "connection")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindStorage, "op"))
	assert.Nil(t, Wrapf(nil, KindStorage, "op", "msg %d", 1))
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("root")
	err := Wrapf(cause, KindSerialization, "graphstore.UpsertNode", "encode attrs")

	require.ErrorIs(t, err, cause)

	var e *Error
	require.ErrorAs(t, fmt.Errorf("outer: %w", err), &e)
	assert.Equal(t, KindSerialization, e.Kind)
	assert.Equal(t, "graphstore.UpsertNode", e.Op)
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, IsNotFound(New(KindNotFound, "op", "gone")))
	assert.False(t, IsNotFound(New(KindStorage, "op", "boom")))
	assert.False(t, IsNotFound(errors.New("plain")))

	assert.True(t, IsValidation(New(KindValidation, "op", "bad")))
	assert.True(t, IsConnection(Wrap(errors.New("refused"), KindConnection, "op")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAnalytics, KindOf(New(KindAnalytics, "op", "gds failed")))
	assert.Equal(t, KindStorage, KindOf(errors.New("plain")))
}

func TestIsMatchesByKind(t *testing.T) {
	err := Wrap(errors.New("x"), KindDimensionMismatch, "vectorstore.Upsert")
	assert.True(t, errors.Is(err, &Error{Kind: KindDimensionMismatch}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound}))
}
