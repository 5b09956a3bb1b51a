package apperr

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs_FollowsWrappedChain(t *testing.T) {
	base := Wrap(fs.ErrNotExist, NotFound, "source missing").WithContext("path", "2020/a.jpg")
	err := fmt.Errorf("faces_find: %w", base)

	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, IOFailure))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, Unknown, KindOf(fmt.Errorf("plain")))
}

func TestIs_SeesInnerKind(t *testing.T) {
	inner := Wrap(fs.ErrNotExist, NotFound, "crop missing")
	outer := Wrap(fmt.Errorf("update: %w", inner), BackendUnavailable, "update face index")

	assert.True(t, Is(outer, BackendUnavailable))
	assert.True(t, Is(outer, NotFound))
	assert.False(t, Is(outer, Validation))
	assert.Equal(t, BackendUnavailable, KindOf(outer))
	assert.False(t, Is(nil, NotFound))
}

func TestError_MessageIncludesContextAndCause(t *testing.T) {
	err := Wrap(fmt.Errorf("disk full"), IOFailure, "write thumbnail").
		WithContext("src", "a.jpg").
		WithContext("dest", "b.jpg")

	assert.Equal(t, "[IOFailure] write thumbnail | context: dest=b.jpg, src=a.jpg | cause: disk full", err.Error())
}

func TestSafeExecute_RecoversPanic(t *testing.T) {
	err := SafeExecute(func() error {
		panic("boom")
	})

	require.Error(t, err)
	assert.True(t, Is(err, Unknown))
	assert.Contains(t, err.Error(), "boom")
}
