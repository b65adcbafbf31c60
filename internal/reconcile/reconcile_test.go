package reconcile

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

func record(key, checksum string) domain.TransactionRecord {
	return domain.TransactionRecord{
		Key:      domain.IdentityKey(key),
		Fields:   map[string]domain.Value{"transaction_id": domain.StringValue(key)},
		Checksum: checksum,
	}
}

func stored(key, checksum string) domain.PersistedRow {
	return domain.PersistedRow{Key: domain.IdentityKey(key), Checksum: checksum}
}

func TestReconcile_Scenarios(t *testing.T) {
	tests := []struct {
		name          string
		incoming      []domain.TransactionRecord
		snapshot      map[domain.IdentityKey]domain.PersistedRow
		wantInsert    int
		wantUpdate    int
		wantUnchanged int
	}{
		{
			name:       "empty snapshot inserts everything",
			incoming:   []domain.TransactionRecord{record("a", "1"), record("b", "2"), record("c", "3")},
			snapshot:   map[domain.IdentityKey]domain.PersistedRow{},
			wantInsert: 3,
		},
		{
			name:          "equal checksum is unchanged",
			incoming:      []domain.TransactionRecord{record("x", "c1")},
			snapshot:      map[domain.IdentityKey]domain.PersistedRow{"x": stored("x", "c1")},
			wantUnchanged: 1,
		},
		{
			name:       "different checksum is an update",
			incoming:   []domain.TransactionRecord{record("x", "c2")},
			snapshot:   map[domain.IdentityKey]domain.PersistedRow{"x": stored("x", "c1")},
			wantUpdate: 1,
		},
		{
			name:     "empty batch",
			incoming: nil,
			snapshot: map[domain.IdentityKey]domain.PersistedRow{"x": stored("x", "c1")},
		},
		{
			name:          "mixed batch",
			incoming:      []domain.TransactionRecord{record("new", "n"), record("same", "s"), record("moved", "m2")},
			snapshot:      map[domain.IdentityKey]domain.PersistedRow{"same": stored("same", "s"), "moved": stored("moved", "m1"), "other": stored("other", "o")},
			wantInsert:    1,
			wantUpdate:    1,
			wantUnchanged: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := Reconcile(tt.incoming, tt.snapshot)
			require.NoError(t, err)
			assert.Len(t, cs.ToInsert, tt.wantInsert)
			assert.Len(t, cs.ToUpdate, tt.wantUpdate)
			assert.Len(t, cs.Unchanged, tt.wantUnchanged)
			assert.Equal(t, len(tt.incoming), cs.Total())
		})
	}
}

func TestReconcile_UpdateCarriesOldAndNew(t *testing.T) {
	old := stored("x", "c1")
	old.Fields = map[string]string{"transaction_id": "x"}
	cs, err := Reconcile([]domain.TransactionRecord{record("x", "c2")}, map[domain.IdentityKey]domain.PersistedRow{"x": old})
	require.NoError(t, err)
	require.Len(t, cs.ToUpdate, 1)
	assert.Equal(t, "c1", cs.ToUpdate[0].Old.Checksum)
	assert.Equal(t, "c2", cs.ToUpdate[0].New.Checksum)
}

func TestReconcile_DuplicateKeyIsValidationError(t *testing.T) {
	a := record("dup", "1")
	a.Row = 2
	b := record("dup", "2")
	b.Row = 7

	cs, err := Reconcile([]domain.TransactionRecord{a, record("ok", "3"), b}, nil)
	require.Error(t, err)
	assert.Nil(t, cs)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Contains(t, err.Error(), "rows 2 and 7")
}

func TestKeys(t *testing.T) {
	keys, err := Keys([]domain.TransactionRecord{record("b", "1"), record("a", "2")})
	require.NoError(t, err)
	assert.Equal(t, []domain.IdentityKey{"b", "a"}, keys)

	_, err = Keys([]domain.TransactionRecord{record("", "1")})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

// Every record lands in exactly one partition, whatever the snapshot holds.
func TestReconcile_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		n := rng.IntN(40)
		incoming := make([]domain.TransactionRecord, n)
		snapshot := map[domain.IdentityKey]domain.PersistedRow{}
		for i := range incoming {
			key := fmt.Sprintf("k%d", i)
			incoming[i] = record(key, fmt.Sprintf("c%d", rng.IntN(3)))
			if rng.IntN(2) == 0 {
				snapshot[domain.IdentityKey(key)] = stored(key, fmt.Sprintf("c%d", rng.IntN(3)))
			}
		}

		cs, err := Reconcile(incoming, snapshot)
		require.NoError(t, err)
		require.Equal(t, n, cs.Total())

		seen := map[domain.IdentityKey]int{}
		for _, r := range cs.ToInsert {
			seen[r.Key]++
			_, inSnapshot := snapshot[r.Key]
			assert.False(t, inSnapshot)
		}
		for _, u := range cs.ToUpdate {
			seen[u.New.Key]++
			assert.NotEqual(t, u.Old.Checksum, u.New.Checksum)
		}
		for _, k := range cs.Unchanged {
			seen[k]++
			assert.Equal(t, snapshot[k].Checksum, incomingChecksum(incoming, k))
		}
		for _, rec := range incoming {
			assert.Equal(t, 1, seen[rec.Key], "key %s", rec.Key)
		}
	}
}

func incomingChecksum(records []domain.TransactionRecord, key domain.IdentityKey) string {
	for _, r := range records {
		if r.Key == key {
			return r.Checksum
		}
	}
	return ""
}
