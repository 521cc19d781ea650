package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ref is a reference to another document that the pipeline service returns
// either as a bare id string or as an embedded (populated) object carrying
// "_id". It encodes back to the form it was decoded from.
type Ref[T any] struct {
	ID    string
	Value *T
}

// RefTo returns a bare id reference.
func RefTo[T any](id string) Ref[T] {
	return Ref[T]{ID: id}
}

// Embed returns a populated reference.
func Embed[T any](id string, v T) Ref[T] {
	return Ref[T]{ID: id, Value: &v}
}

// cloneWith copies r, duplicating an embedded value with f.
func (r Ref[T]) cloneWith(f func(T) T) Ref[T] {
	if r.Value != nil {
		v := f(*r.Value)
		r.Value = &v
	}
	return r
}

// IsZero reports whether the reference points nowhere.
func (r Ref[T]) IsZero() bool {
	return r.ID == "" && r.Value == nil
}

// Populated reports whether the referenced object is embedded.
func (r Ref[T]) Populated() bool {
	return r.Value != nil
}

// MarshalJSON implements json.Marshaler.
func (r Ref[T]) MarshalJSON() ([]byte, error) {
	if r.Value != nil {
		return json.Marshal(r.Value)
	}
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Ref[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*r = Ref[T]{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &r.ID)
	case '{':
		var head struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return err
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		r.ID = head.ID
		r.Value = &v
		return nil
	default:
		return fmt.Errorf("model: reference must be an id string or an object, got %s", string(data[:1]))
	}
}
