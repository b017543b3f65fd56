package gateway

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/phiguard/pkg/alert"
	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/cipher"
	"github.com/platinummonkey/phiguard/pkg/keys"
	"github.com/platinummonkey/phiguard/pkg/observability"
	"github.com/platinummonkey/phiguard/pkg/policy"
	"github.com/platinummonkey/phiguard/pkg/records"
	"github.com/platinummonkey/phiguard/pkg/storage/sqldb"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

const testPolicy = `
version: "test-1"
emergency_bypasses_consent: true
rules:
  - role: physician
    classifications: [public, internal, confidential, restricted]
    purposes: [treatment, emergency]
    actions: [read, write]
  - role: nurse
    classifications: [public, internal, confidential]
    purposes: [treatment]
    actions: [read]
  - role: nurse
    classifications: [public, internal, confidential, restricted]
    purposes: [emergency]
    actions: [read]
  - role: billing_clerk
    classifications: [internal]
    purposes: [payment]
    actions: [read]
resources:
  patient:
    fields:
      name: confidential
      blood_type: internal
      ssn: restricted
      diagnosis: restricted
  consented_note:
    consent_required: true
    fields:
      body: confidential
`

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

type testEnv struct {
	gw      *Gateway
	db      *sqldb.DB
	chain   *audit.ChainStore
	records *records.Store
	alerter *recordingAlerter
	metrics *observability.Metrics
	opts    Options
}

func staticCipher(t *testing.T, versions ...int) *cipher.FieldCipher {
	t.Helper()
	masters := make(map[int][]byte, len(versions))
	for _, v := range versions {
		masters[v] = bytes.Repeat([]byte{byte(v)}, keys.KeySize)
	}
	provider, err := keys.NewStaticProvider(masters)
	require.NoError(t, err)
	return cipher.New(provider)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqldb.Open(sqldb.Config{Driver: "sqlite3", URL: filepath.Join(t.TempDir(), "gateway.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	chain, err := audit.NewChainStore(ctx, db, audit.StoreOptions{Metrics: metrics})
	require.NoError(t, err)
	store, err := records.NewStore(ctx, db)
	require.NoError(t, err)
	p, err := policy.Parse([]byte(testPolicy))
	require.NoError(t, err)

	env := &testEnv{db: db, chain: chain, records: store, alerter: &recordingAlerter{}, metrics: metrics}
	env.opts = Options{
		Policies: policy.NewValidator(p),
		Cipher:   staticCipher(t, 1),
		Records:  store,
		Chain:    chain,
		Alerter:  env.alerter,
		Metrics:  metrics,
	}
	env.gw, err = New(env.opts)
	require.NoError(t, err)
	return env
}

// with returns a gateway over the same stores with opts modified.
func (e *testEnv) with(t *testing.T, modify func(*Options)) *Gateway {
	t.Helper()
	opts := e.opts
	modify(&opts)
	gw, err := New(opts)
	require.NoError(t, err)
	return gw
}

func physician() policy.AccessContext {
	return policy.AccessContext{ActorID: "dr-house", Role: policy.RolePhysician, Purpose: policy.PurposeTreatment, IPAddress: "10.1.1.1", SessionID: "s-1"}
}

func nurse(purpose policy.Purpose) policy.AccessContext {
	return policy.AccessContext{ActorID: "rn-jackie", Role: policy.RoleNurse, Purpose: purpose, IPAddress: "10.1.1.2", SessionID: "s-2"}
}

func billing() policy.AccessContext {
	return policy.AccessContext{ActorID: "billing-7", Role: policy.RoleBillingClerk, Purpose: policy.PurposePayment}
}

var patientValues = map[string][]byte{
	"name":       []byte("Jane Doe"),
	"blood_type": []byte("AB-"),
	"ssn":        []byte("078-05-1120"),
	"diagnosis":  []byte("J45.909"),
}

func (e *testEnv) createPatient(t *testing.T) policy.ResourceDescriptor {
	t.Helper()
	res, err := e.gw.Create(context.Background(), physician(), NewRecord{
		ResourceType: "patient",
		SubjectID:    "subject-1",
		Values:       patientValues,
	})
	require.NoError(t, err)
	return policy.ResourceDescriptor{Type: "patient", ID: res.RecordID}
}

func (e *testEnv) head(t *testing.T) audit.Head {
	t.Helper()
	h, err := e.chain.Head(context.Background())
	require.NoError(t, err)
	return h
}

func (e *testEnv) lastEntry(t *testing.T) *audit.Entry {
	t.Helper()
	h := e.head(t)
	require.Positive(t, h.Length)
	entries, err := e.chain.ReadRange(context.Background(), audit.Range{From: h.Length - 1, To: h.Length})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func (e *testEnv) failAppends(t *testing.T) {
	t.Helper()
	require.NoError(t, e.db.ExecAll(context.Background(), `CREATE TRIGGER audit_chain_fail BEFORE INSERT ON audit_chain
BEGIN
	SELECT RAISE(ABORT, 'disk full');
END`))
}

func (e *testEnv) restoreAppends(t *testing.T) {
	t.Helper()
	require.NoError(t, e.db.ExecAll(context.Background(), `DROP TRIGGER audit_chain_fail`))
}
