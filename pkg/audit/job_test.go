package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/phiguard/pkg/alert"
)

func TestVerificationJobRecordsRun(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	appendN(t, store, 3)
	alerter := &recordingAlerter{}
	job := NewVerificationJob(store, NewVerifier(store, 0, nil), alerter, nil)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Empty(t, alerter.kinds())

	entries, err := store.ReadRange(context.Background(), Range{From: 3, To: 4})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventChainVerification, entries[0].EventType)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, SystemActor, entries[0].ActorID)
	assert.JSONEq(t, `{"checked":3,"mismatches":[],"range_from":0,"range_to":3}`, string(entries[0].AdditionalData))

	// The recorded run is itself covered by the next verification.
	report, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Checked)
}

func TestVerificationJobAlertsOnMismatch(t *testing.T) {
	store, db := newTestStore(t, StoreOptions{})
	appendN(t, store, 5)
	tamper(t, db, `UPDATE audit_chain SET resource_id = 'p-99' WHERE sequence_number = 1`)
	alerter := &recordingAlerter{}

	report, err := NewVerificationJob(store, NewVerifier(store, 0, nil), alerter, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrChainIntegrity)
	assert.Equal(t, []int64{1}, report.Mismatches)
	assert.Equal(t, []alert.Kind{alert.KindChainIntegrity}, alerter.kinds())

	entries, err := store.ReadRange(context.Background(), Range{From: 5, To: 6})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeError, entries[0].Outcome)
	assert.JSONEq(t, `{"checked":5,"mismatches":[1],"range_from":0,"range_to":5}`, string(entries[0].AdditionalData))
}

func TestVerificationJobAlertsWhenRecordFails(t *testing.T) {
	store, db := newTestStore(t, StoreOptions{})
	appendN(t, store, 2)
	require.NoError(t, db.ExecAll(context.Background(), `CREATE TRIGGER audit_chain_fail BEFORE INSERT ON audit_chain
BEGIN
	SELECT RAISE(ABORT, 'disk full');
END`))
	alerter := &recordingAlerter{}

	report, err := NewVerificationJob(store, NewVerifier(store, 0, nil), alerter, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrAuditWriteFailure)
	require.NotNil(t, report)
	assert.True(t, report.OK)
	assert.Equal(t, []alert.Kind{alert.KindAuditWriteFailure}, alerter.kinds())
}

func TestVerificationJobAlertsOnUndecodableEntry(t *testing.T) {
	store, db := newTestStore(t, StoreOptions{})
	appendN(t, store, 5)
	tamper(t, db, `UPDATE audit_chain SET fields_accessed = 'not json' WHERE sequence_number = 3`)
	alerter := &recordingAlerter{}

	report, err := NewVerificationJob(store, NewVerifier(store, 0, nil), alerter, nil).Run(context.Background())
	assert.ErrorIs(t, err, ErrChainIntegrity)
	require.NotNil(t, report)
	assert.Equal(t, []int64{3}, report.Mismatches)
	assert.Equal(t, []alert.Kind{alert.KindChainIntegrity}, alerter.kinds())

	head, err := store.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), head.Length)
}

func TestVerificationJobAlertsWhenVerificationCannotRun(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	appendN(t, store, 2)
	alerter := &recordingAlerter{}

	report, err := NewVerificationJob(store, NewVerifier(brokenSource{}, 0, nil), alerter, nil).Run(context.Background())
	assert.Error(t, err)
	assert.Nil(t, report)
	assert.Equal(t, []alert.Kind{alert.KindVerificationFailure}, alerter.kinds())

	entries, err := store.ReadRange(context.Background(), Range{From: 2, To: 3})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventChainVerification, entries[0].EventType)
	assert.Equal(t, OutcomeError, entries[0].Outcome)
	assert.JSONEq(t, `{"failure":"verification_incomplete"}`, string(entries[0].AdditionalData))
}
