package kvstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ClosedIsUnavailable(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Set(context.Background(), "ns", Record{"a": json.RawMessage(`1`)})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStorageUnavailable))

	var se *StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "memory", se.Backend)
	require.Equal(t, "ns", se.Namespace)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "ns", Record{"a": json.RawMessage(`1`)}))

	rec, err := s.Get(ctx, "ns")
	require.NoError(t, err)
	rec["a"] = json.RawMessage(`2`)

	again, err := s.Get(ctx, "ns")
	require.NoError(t, err)
	require.JSONEq(t, `1`, string(again["a"]))
}
