package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/policy"
	"github.com/platinummonkey/phiguard/pkg/records"
)

func TestCreateStoresCiphertextAndLogsWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.gw.Create(ctx, physician(), NewRecord{ResourceType: "patient", SubjectID: "subject-1", Values: patientValues})
	require.NoError(t, err)
	assert.Equal(t, []string{"blood_type", "diagnosis", "name", "ssn"}, result.Fields)
	assert.Equal(t, int64(0), result.SequenceNumber)

	rec, err := env.records.Get(ctx, result.RecordID)
	require.NoError(t, err)
	for name, value := range patientValues {
		assert.NotContains(t, string(rec.Fields[name].Ciphertext), string(value))
		assert.Equal(t, 1, rec.Fields[name].KeyVersion)
	}
	assert.Equal(t, "restricted", string(rec.Fields["ssn"].Classification))

	entry := env.lastEntry(t)
	assert.Equal(t, audit.EventPHIWrite, entry.EventType)
	assert.Equal(t, "write", entry.Action)
	assert.Equal(t, result.RecordID, entry.ResourceID)
	assert.Equal(t, result.Fields, entry.FieldsAccessed)
	assert.Contains(t, string(entry.AdditionalData), `"key_versions":{"blood_type":1,"diagnosis":1,"name":1,"ssn":1}`)
}

func TestCreateIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.gw.Create(ctx, physician(), NewRecord{ResourceType: "patient", SubjectID: "s", Values: map[string][]byte{
		"name":      []byte("x"),
		"shoe_size": []byte("42"),
	}})
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, policy.ReasonUnknownField, result.Reason)
	assert.Empty(t, result.Fields)

	_, err = env.records.Get(ctx, result.RecordID)
	assert.ErrorIs(t, err, records.ErrNotFound)

	entry := env.lastEntry(t)
	assert.Equal(t, audit.OutcomeDenied, entry.Outcome)
	assert.Empty(t, entry.FieldsAccessed)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.GatewayRequestsTotal.WithLabelValues("create", "denied")))
}

func TestUpdateFields(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	ctx := context.Background()

	result, err := env.gw.UpdateFields(ctx, physician(), res, map[string][]byte{"name": []byte("Janet Doe")})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, result.Fields)

	read, err := env.gw.Request(ctx, physician(), res, []string{"name", "blood_type"})
	require.NoError(t, err)
	assert.Equal(t, "Janet Doe", string(read.Fields["name"]))
	assert.Equal(t, "AB-", string(read.Fields["blood_type"]))

	_, err = env.gw.UpdateFields(ctx, nurse(policy.PurposeTreatment), res, map[string][]byte{"name": []byte("Mallory")})
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, policy.ReasonActionNotPermitted, env.lastEntryReason(t))

	_, err = env.gw.UpdateFields(ctx, physician(), policy.ResourceDescriptor{Type: "patient", ID: "missing"}, map[string][]byte{"name": []byte("x")})
	require.ErrorIs(t, err, ErrAccessDenied)

	read, err = env.gw.Request(ctx, physician(), res, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "Janet Doe", string(read.Fields["name"]))
}

func TestReencryptRotatesKeys(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	ctx := context.Background()

	rotated := env.with(t, func(o *Options) { o.Cipher = staticCipher(t, 1, 2) })
	result, err := rotated.Reencrypt(ctx, physician(), res)
	require.NoError(t, err)
	assert.Equal(t, []string{"blood_type", "diagnosis", "name", "ssn"}, result.Fields)

	rec, err := env.records.Get(ctx, res.ID)
	require.NoError(t, err)
	for _, f := range rec.Fields {
		assert.Equal(t, 2, f.KeyVersion)
	}

	entry := env.lastEntry(t)
	assert.Equal(t, audit.EventPHIReencrypt, entry.EventType)
	assert.Equal(t, "reencrypt", entry.Action)
	assert.Contains(t, string(entry.AdditionalData), `"previous_key_versions":{"blood_type":1,"diagnosis":1,"name":1,"ssn":1}`)

	read, err := rotated.Request(ctx, physician(), res, []string{"ssn"})
	require.NoError(t, err)
	assert.Equal(t, "078-05-1120", string(read.Fields["ssn"]))

	// The old cipher no longer has the key the fields are under.
	read, err = env.gw.Request(ctx, physician(), res, []string{"ssn"})
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, policy.ReasonIntegrityFailure, read.Reason)
}

func TestReencryptFailures(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	ctx := context.Background()

	_, err := env.gw.Reencrypt(ctx, nurse(policy.PurposeTreatment), res)
	require.ErrorIs(t, err, ErrAccessDenied)

	_, err = env.gw.Reencrypt(ctx, physician(), policy.ResourceDescriptor{Type: "patient", ID: "missing"})
	require.ErrorIs(t, err, records.ErrNotFound)

	// A cipher without the records' key cannot open them; nothing is rewritten.
	before := env.head(t).Length
	other := env.with(t, func(o *Options) { o.Cipher = staticCipher(t, 3) })
	_, err = other.Reencrypt(ctx, physician(), res)
	require.Error(t, err)
	assert.Equal(t, before+1, env.head(t).Length)
	assert.Equal(t, audit.OutcomeError, env.lastEntry(t).Outcome)

	rec, err := env.records.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Fields["name"].KeyVersion)
}

func (e *testEnv) lastEntryReason(t *testing.T) policy.ReasonCode {
	t.Helper()
	var data struct {
		Reason policy.ReasonCode `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(e.lastEntry(t).AdditionalData, &data))
	return data.Reason
}
