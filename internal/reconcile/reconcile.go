// Package reconcile classifies an incoming report batch against the stored
// snapshot. It performs no I/O.
package reconcile

import (
	"fmt"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// Keys returns the identity keys of the batch in input order. A key that
// appears twice is a *domain.ValidationError; the batch is ambiguous and
// nothing may be written for it.
func Keys(incoming []domain.TransactionRecord) ([]domain.IdentityKey, error) {
	keys := make([]domain.IdentityKey, 0, len(incoming))
	firstRow := make(map[domain.IdentityKey]int, len(incoming))
	for _, rec := range incoming {
		if rec.Key == "" {
			return nil, &domain.ValidationError{
				Field: "identity_key",
				Msg:   fmt.Sprintf("row %d has an empty identity key", rec.Row),
			}
		}
		if row, dup := firstRow[rec.Key]; dup {
			return nil, &domain.ValidationError{
				Field: "identity_key",
				Msg:   fmt.Sprintf("duplicate key %q in rows %d and %d", rec.Key, row, rec.Row),
			}
		}
		firstRow[rec.Key] = rec.Row
		keys = append(keys, rec.Key)
	}
	return keys, nil
}

// Reconcile partitions incoming into inserts, updates and unchanged keys.
// Each record lands in exactly one partition; input order is kept within
// each partition. An update always replaces every field of the stored row.
func Reconcile(incoming []domain.TransactionRecord, snapshot map[domain.IdentityKey]domain.PersistedRow) (*domain.ChangeSet, error) {
	if _, err := Keys(incoming); err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}

	cs := &domain.ChangeSet{}
	for _, rec := range incoming {
		old, found := snapshot[rec.Key]
		switch {
		case !found:
			cs.ToInsert = append(cs.ToInsert, rec)
		case old.Checksum != rec.Checksum:
			cs.ToUpdate = append(cs.ToUpdate, domain.Update{Old: old, New: rec})
		default:
			cs.Unchanged = append(cs.Unchanged, rec.Key)
		}
	}
	return cs, nil
}
