package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Record is the value held under one namespace. Each top-level key maps to an
// opaque JSON value; the store never interprets it.
type Record map[string]json.RawMessage

// Clone returns a shallow copy whose raw values do not alias the receiver.
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// UpdateFunc receives the current record of a namespace (empty if absent) and
// returns the full replacement. Returning an empty record clears the namespace.
type UpdateFunc func(current Record) (Record, error)

// Store is the namespaced persistent key/value store shared by the recorder
// components.
//
// Set merges at key granularity and is last-write-wins; it performs no
// concurrency check. Callers that read a record and write back a value derived
// from it must use Update, which is atomic per namespace.
type Store interface {
	Get(ctx context.Context, namespace string) (Record, error)
	GetKey(ctx context.Context, namespace, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, namespace string, partial Record) error
	Empty(ctx context.Context, namespace string) error
	Update(ctx context.Context, namespace string, fn UpdateFunc) error
	Close() error
}

// ErrStorageUnavailable is matched by every error caused by the persistence
// backend itself (as opposed to bad input or a failing UpdateFunc).
var ErrStorageUnavailable = errors.New("storage unavailable")

// StorageError describes a failed backend operation.
type StorageError struct {
	Backend   string
	Op        string
	Namespace string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s store: %s %q: %v", e.Backend, e.Op, e.Namespace, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

func unavailable(backend, op, namespace string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Backend: backend, Op: op, Namespace: namespace, Err: err}
}

// Encode turns a JSON-serializable struct (or map) into a Record.
func Encode(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: encode record")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "kvstore: encode record: value is not an object")
	}
	return rec, nil
}

// Decode fills v from a Record. An empty record leaves v untouched.
func Decode(rec Record, v any) error {
	if len(rec) == 0 {
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "kvstore: decode record")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "kvstore: decode record")
	}
	return nil
}

func validateNamespace(backend, namespace string) error {
	if namespace == "" {
		return errors.Errorf("%s store: namespace is empty", backend)
	}
	return nil
}
