// Package repo persists estimator and model metadata records so a fit can
// be inspected or its model reloaded later.
package repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-train/internal/store"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrIntegrityMismatch = errors.New("record payload does not match its integrity hash")
)

// Record is one persisted metadata document. Payload is the JSON produced by
// MarshalMetadata on an estimator or model.
type Record struct {
	UID       string          `json:"uid"`
	Class     string          `json:"class"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Integrity string          `json:"integrity_sha256"`
	CreatedAt time.Time       `json:"created_at"`
}

// ComputeIntegritySHA256 hashes the identifying fields and the payload.
func ComputeIntegritySHA256(rec Record) string {
	h := sha256.New()
	for _, part := range []string{rec.UID, rec.Class, rec.RunID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(rec.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal compacts the payload and fills Integrity and CreatedAt when they are
// unset.
func (r Record) Seal() Record {
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.Payload); err == nil {
		r.Payload = buf.Bytes()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(r.Integrity) == "" {
		r.Integrity = ComputeIntegritySHA256(r)
	}
	return r
}

// Verify reports ErrIntegrityMismatch when the payload was altered.
func (r Record) Verify() error {
	if r.Integrity != ComputeIntegritySHA256(r) {
		return fmt.Errorf("%s: %w", r.UID, ErrIntegrityMismatch)
	}
	return nil
}

func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.UID) == "":
		return errors.New("record uid is required")
	case strings.TrimSpace(r.Class) == "":
		return errors.New("record class is required")
	case len(r.Payload) == 0:
		return errors.New("record payload is required")
	case !json.Valid(r.Payload):
		return errors.New("record payload is not valid JSON")
	}
	return nil
}

type EstimatorRepository interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, uid string) (Record, error)
}

// StoreRepository keeps records next to the run data when no database is
// configured.
type StoreRepository struct {
	store store.Store
}

func NewStoreRepository(st store.Store) *StoreRepository {
	if st == nil {
		return nil
	}
	return &StoreRepository{store: st}
}

func (r *StoreRepository) Save(ctx context.Context, rec Record) error {
	if r == nil || r.store == nil {
		return errors.New("record repository not initialized")
	}
	rec.UID = strings.TrimSpace(rec.UID)
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec.Seal())
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := r.store.Write(ctx, r.store.RecordPath(rec.UID), data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (r *StoreRepository) Get(ctx context.Context, uid string) (Record, error) {
	if r == nil || r.store == nil {
		return Record{}, errors.New("record repository not initialized")
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Record{}, errors.New("record uid is required")
	}
	data, err := r.store.Read(ctx, r.store.RecordPath(uid))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := rec.Verify(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
