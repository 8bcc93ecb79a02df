package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"neurofleet/internal/model"
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Encode wraps v in a Record envelope stamped with the current versions.
func Encode(kind Kind, id string, v any) (Record, error) {
	if !kind.Valid() {
		return Record{}, fmt.Errorf("unsupported record kind: %s", kind)
	}
	if id == "" {
		return Record{}, fmt.Errorf("record id is required")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return Record{
		VersionedRecord: model.CurrentVersion(),
		Kind:            kind,
		ID:              id,
		Payload:         payload,
		UpdatedAt:       time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload of record into v after checking versions.
func Decode(record Record, v any) error {
	if err := checkVersion(record.VersionedRecord); err != nil {
		return fmt.Errorf("decode %s %s: %w", record.Kind, record.ID, err)
	}
	if err := json.Unmarshal(record.Payload, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", record.Kind, record.ID, err)
	}
	return nil
}

// Put encodes v and writes it through store.
func Put(ctx context.Context, store Store, kind Kind, id string, v any) error {
	if store == nil {
		return fmt.Errorf("store is required")
	}
	record, err := Encode(kind, id, v)
	if err != nil {
		return err
	}
	return store.Write(ctx, record)
}

// Get reads and decodes a typed record.
func Get[T any](ctx context.Context, store Store, kind Kind, id string) (T, error) {
	var out T
	if store == nil {
		return out, fmt.Errorf("store is required")
	}
	record, err := store.Read(ctx, kind, id)
	if err != nil {
		return out, err
	}
	if err := Decode(record, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ListAs reads and decodes every record of kind.
func ListAs[T any](ctx context.Context, store Store, kind Kind) ([]T, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	records, err := store.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, record := range records {
		var v T
		if err := Decode(record, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != model.CurrentSchemaVersion || v.CodecVersion != model.CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
