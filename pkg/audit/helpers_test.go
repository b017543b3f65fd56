package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/phiguard/pkg/alert"
	"github.com/platinummonkey/phiguard/pkg/storage/sqldb"
)

func openTestDB(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open(sqldb.Config{Driver: "sqlite3", URL: filepath.Join(t.TempDir(), "audit.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T, opts StoreOptions) (*ChainStore, *sqldb.DB) {
	t.Helper()
	db := openTestDB(t)
	store, err := NewChainStore(context.Background(), db, opts)
	require.NoError(t, err)
	return store, db
}

func testDraft(i int) Draft {
	return Draft{
		ActorID:        fmt.Sprintf("clinician-%d", i),
		EventType:      EventPHIRead,
		ResourceType:   "patient",
		ResourceID:     fmt.Sprintf("p-%d", i),
		Action:         "read",
		Outcome:        OutcomeSuccess,
		IPAddress:      "10.0.0.1",
		SessionID:      "sess-1",
		FieldsAccessed: []string{"name", "blood_type"},
		AdditionalData: map[string]any{"reason": "granted", "index": i},
	}
}

func appendN(t *testing.T, store *ChainStore, n int) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := store.Append(context.Background(), testDraft(i))
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return entries
}

// buildChain links n in-memory entries with the given timestamps.
func buildChain(timestamps ...time.Time) []*Entry {
	prev := Genesis
	entries := make([]*Entry, len(timestamps))
	for i, ts := range timestamps {
		e := &Entry{
			ChainID:         DefaultChainID,
			SequenceNumber:  int64(i),
			ID:              fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
			Timestamp:       ts.UTC(),
			ActorID:         "actor",
			EventType:       EventPHIRead,
			ResourceType:    "patient",
			ResourceID:      "p-1",
			Action:          "read",
			Outcome:         OutcomeSuccess,
			FieldsAccessed:  []string{"name"},
			AdditionalData:  []byte("{}"),
			PreviousLogHash: prev,
		}
		e.LogHash = ComputeHash(prev, e)
		prev = e.LogHash
		entries[i] = e
	}
	return entries
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Raise(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) kinds() []alert.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]alert.Kind, len(r.alerts))
	for i, a := range r.alerts {
		kinds[i] = a.Kind
	}
	return kinds
}
