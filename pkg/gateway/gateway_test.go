package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"testing/quick"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/phiguard/pkg/alert"
	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/cipher"
	"github.com/platinummonkey/phiguard/pkg/keys"
	"github.com/platinummonkey/phiguard/pkg/policy"
)

func TestRequestReturnsOnlyPermittedFields(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)

	result, err := env.gw.Request(context.Background(), nurse(policy.PurposeTreatment), res, []string{"name", "ssn", "diagnosis"})
	require.NoError(t, err)

	assert.Equal(t, map[string][]byte{"name": []byte("Jane Doe")}, result.Fields)
	assert.Equal(t, []string{"name"}, result.Returned)
	assert.Equal(t, []policy.FieldDenial{
		{Name: "ssn", Reason: policy.ReasonPurposeNotPermitted},
		{Name: "diagnosis", Reason: policy.ReasonPurposeNotPermitted},
	}, result.Denied)
	assert.Equal(t, policy.ReasonPartial, result.Reason)
	assert.Equal(t, StateComplete, result.State)

	entry := env.lastEntry(t)
	assert.Equal(t, result.SequenceNumber, entry.SequenceNumber)
	assert.Equal(t, audit.EventPHIRead, entry.EventType)
	assert.Equal(t, audit.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, []string{"name"}, entry.FieldsAccessed)
	assert.Equal(t, "rn-jackie", entry.ActorID)
	assert.Equal(t, res.ID, entry.ResourceID)
	assert.NotContains(t, string(entry.AdditionalData), "Jane")

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.GatewayRequestsTotal.WithLabelValues("request", "partial")))
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.GatewayFieldsTotal.WithLabelValues("purpose_not_permitted")))
}

func TestDenialIsStillLogged(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	before := env.head(t).Length

	result, err := env.gw.Request(context.Background(), billing(), res, []string{"ssn", "diagnosis"})
	require.ErrorIs(t, err, ErrAccessDenied)
	require.NotNil(t, result)
	assert.Empty(t, result.Fields)
	assert.Equal(t, policy.ReasonRoleNotPermitted, result.Reason)
	assert.NotContains(t, err.Error(), res.ID)
	assert.NotContains(t, err.Error(), "billing-7")

	assert.Equal(t, before+1, env.head(t).Length)
	entry := env.lastEntry(t)
	assert.Equal(t, audit.OutcomeDenied, entry.Outcome)
	assert.Empty(t, entry.FieldsAccessed)
	assert.Contains(t, string(entry.AdditionalData), `"reason":"role_not_permitted"`)
}

func TestRequestUnknownRecordIsDeniedAndLogged(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	before := env.head(t).Length

	for _, target := range []policy.ResourceDescriptor{
		{Type: "patient", ID: "does-not-exist"},
		{Type: "consented_note", ID: res.ID},
	} {
		result, err := env.gw.Request(context.Background(), physician(), target, []string{"name", "name"})
		require.ErrorIs(t, err, ErrAccessDenied)
		assert.Equal(t, []policy.FieldDenial{{Name: "name", Reason: policy.ReasonUnknownResource}}, result.Denied)
	}
	assert.Equal(t, before+2, env.head(t).Length)
}

func TestValidationFailuresAreNotAudited(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	before := env.head(t).Length

	ac := physician()
	ac.ActorID = ""
	_, err := env.gw.Request(context.Background(), ac, res, []string{"name"})
	require.ErrorIs(t, err, policy.ErrValidation)

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, StateValidating, gwErr.State)

	_, err = env.gw.Request(context.Background(), physician(), res, nil)
	require.ErrorIs(t, err, policy.ErrValidation)

	assert.Equal(t, before, env.head(t).Length)
	assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.GatewayRequestsTotal.WithLabelValues("request", "invalid")))
}

func TestIntegrityFailureDeniesOnlyThatField(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	ctx := context.Background()

	_, err := env.db.ExecContext(ctx, `UPDATE protected_fields SET ciphertext = $1 WHERE record_id = $2 AND name = 'name'`,
		bytes.Repeat([]byte{0xab}, 40), res.ID)
	require.NoError(t, err)
	_, err = env.db.ExecContext(ctx, `UPDATE protected_fields SET classification = 'public' WHERE record_id = $1 AND name = 'blood_type'`, res.ID)
	require.NoError(t, err)

	result, err := env.gw.Request(ctx, physician(), res, []string{"name", "blood_type", "diagnosis"})
	require.NoError(t, err)
	assert.Equal(t, []string{"diagnosis"}, result.Returned)
	assert.Equal(t, "J45.909", string(result.Fields["diagnosis"]))
	assert.ElementsMatch(t, []policy.FieldDenial{
		{Name: "name", Reason: policy.ReasonIntegrityFailure},
		{Name: "blood_type", Reason: policy.ReasonIntegrityFailure},
	}, result.Denied)

	assert.Equal(t, []string{"diagnosis"}, env.lastEntry(t).FieldsAccessed)
	assert.Equal(t, []alert.Kind{alert.KindDecryptFailure, alert.KindDecryptFailure}, env.alerter.kinds())
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.DecryptFailuresTotal.WithLabelValues("confidential")))
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.DecryptFailuresTotal.WithLabelValues("public")))
}

func TestAuditFailureIsFailClosed(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	ctx := context.Background()
	env.failAppends(t)

	result, err := env.gw.Request(ctx, physician(), res, []string{"name", "ssn"})
	require.ErrorIs(t, err, audit.ErrAuditWriteFailure)
	assert.Nil(t, result, "no plaintext without an audit entry")
	assert.True(t, IsSecurityIncident(err))
	assert.NotContains(t, err.Error(), "Jane Doe")

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, StateLogging, gwErr.State)

	_, err = env.gw.Create(ctx, physician(), NewRecord{ResourceType: "patient", SubjectID: "subject-2", Values: map[string][]byte{"name": []byte("John Roe")}})
	require.ErrorIs(t, err, audit.ErrAuditWriteFailure)

	_, err = env.gw.UpdateFields(ctx, physician(), res, map[string][]byte{"name": []byte("Janet Doe")})
	require.ErrorIs(t, err, audit.ErrAuditWriteFailure)

	var records int
	require.NoError(t, env.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM protected_records`).Scan(&records))
	assert.Equal(t, 1, records, "the failed create left no record behind")

	env.restoreAppends(t)
	read, err := env.gw.Request(ctx, physician(), res, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", string(read.Fields["name"]), "the failed update was rolled back")

	assert.Equal(t, []alert.Kind{alert.KindAuditWriteFailure, alert.KindAuditWriteFailure, alert.KindAuditWriteFailure}, env.alerter.kinds())
}

type cancellingCipher struct {
	FieldCipher
	cancel context.CancelFunc
}

func (c cancellingCipher) Decrypt(ctx context.Context, f cipher.ProtectedField) ([]byte, error) {
	plaintext, err := c.FieldCipher.Decrypt(ctx, f)
	c.cancel()
	return plaintext, err
}

func TestCancelledRequestIsLoggedWithoutDisclosure(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)
	before := env.head(t).Length

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := env.with(t, func(o *Options) { o.Cipher = cancellingCipher{FieldCipher: o.Cipher, cancel: cancel} })

	result, err := gw.Request(ctx, physician(), res, []string{"name"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, result)

	assert.Equal(t, before+1, env.head(t).Length)
	entry := env.lastEntry(t)
	assert.Equal(t, audit.OutcomeError, entry.Outcome)
	assert.Equal(t, []string{"name"}, entry.FieldsAccessed)
	assert.Contains(t, string(entry.AdditionalData), `"cancelled":true`)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.GatewayRequestsTotal.WithLabelValues("request", "cancelled")))
}

func TestEmergencyAccess(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)

	result, err := env.gw.Request(context.Background(), nurse(policy.PurposeEmergency), res, []string{"ssn"})
	require.NoError(t, err)
	assert.True(t, result.Emergency)
	assert.Equal(t, "078-05-1120", string(result.Fields["ssn"]))

	entry := env.lastEntry(t)
	assert.Equal(t, audit.EventPHIEmergencyRead, entry.EventType)
	assert.Equal(t, []alert.Kind{alert.KindEmergencyAccess}, env.alerter.kinds())
	assert.NotContains(t, fmt.Sprint(env.alerter.alerts[0].Fields), "078-05-1120")
}

func TestConsentRequiredRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	consenting := physician()
	consenting.Consent = policy.ConsentSnapshot{
		SubjectID: "subject-9",
		AsOf:      testNow,
		Grants:    []policy.ConsentGrant{{Purpose: policy.PurposeTreatment, GrantedAt: testNow.AddDate(0, -1, 0)}},
	}

	_, err := env.gw.Create(ctx, physician(), NewRecord{ResourceType: "consented_note", SubjectID: "subject-9", Values: map[string][]byte{"body": []byte("note")}})
	require.ErrorIs(t, err, ErrAccessDenied)

	created, err := env.gw.Create(ctx, consenting, NewRecord{ResourceType: "consented_note", SubjectID: "subject-9", Values: map[string][]byte{"body": []byte("note")}})
	require.NoError(t, err)
	res := policy.ResourceDescriptor{Type: "consented_note", ID: created.RecordID}

	result, err := env.gw.Request(ctx, nurse(policy.PurposeTreatment), res, []string{"body"})
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, policy.ReasonConsentMissing, result.Reason)

	result, err = env.gw.Request(ctx, nurse(policy.PurposeEmergency), res, []string{"body"})
	require.NoError(t, err)
	assert.Equal(t, "note", string(result.Fields["body"]))
}

func TestRecordConsentFlagTightensCatalog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.gw.Create(ctx, physician(), NewRecord{ResourceType: "patient", SubjectID: "s", ConsentRequired: true, Values: map[string][]byte{"name": []byte("x")}})
	require.ErrorIs(t, err, ErrAccessDenied, "the consent flag applies to the write as well")
	assert.Equal(t, policy.ReasonConsentMissing, created.Reason)
}

func TestConcurrentRequestsKeepChainLinear(t *testing.T) {
	env := newTestEnv(t)
	res := env.createPatient(t)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.gw.Request(context.Background(), nurse(policy.PurposeTreatment), res, []string{"name", "blood_type"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := audit.NewVerifier(env.chain, 0, nil).VerifyAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n+1), report.Checked)
}

func TestErrorsNeverContainPlaintextOrIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	property := func(raw []byte, actorRaw []byte) bool {
		secret := "phi-" + hex.EncodeToString(raw) + "-value"
		actor := "actor-" + hex.EncodeToString(actorRaw)

		created, err := env.gw.Create(ctx, physician(), NewRecord{
			ResourceType: "patient",
			SubjectID:    "subject-" + secret,
			Values:       map[string][]byte{"name": []byte(secret), "ssn": []byte(secret)},
		})
		if err != nil {
			return false
		}
		res := policy.ResourceDescriptor{Type: "patient", ID: created.RecordID}

		clerk := billing()
		clerk.ActorID = actor
		invalid := physician()
		invalid.Purpose = policy.Purpose(secret)

		var errs []error
		_, err = env.gw.Request(ctx, clerk, res, []string{"ssn"})
		errs = append(errs, err)
		_, err = env.gw.Request(ctx, invalid, res, []string{"ssn"})
		errs = append(errs, err)
		_, err = env.gw.UpdateFields(ctx, clerk, res, map[string][]byte{"name": []byte(secret)})
		errs = append(errs, err)

		env.failAppends(t)
		_, err = env.gw.Request(ctx, physician(), res, []string{"name", "ssn"})
		errs = append(errs, err)
		_, err = env.gw.Create(ctx, physician(), NewRecord{ResourceType: "patient", SubjectID: secret, Values: map[string][]byte{"name": []byte(secret)}})
		errs = append(errs, err)
		env.restoreAppends(t)

		for _, err := range errs {
			if err == nil {
				return false
			}
			msg := err.Error()
			if strings.Contains(msg, secret) || strings.Contains(msg, actor) || strings.Contains(msg, res.ID) {
				return false
			}
		}
		return true
	}

	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 15}))
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", audit.ErrConcurrencyConflict)))
	assert.True(t, IsRetryable(&Error{Op: "request", State: StateDecrypting, Err: keys.ErrKeyUnavailable}))
	assert.False(t, IsRetryable(ErrAccessDenied))

	assert.True(t, IsSecurityIncident(fmt.Errorf("x: %w", audit.ErrAuditWriteFailure)))
	assert.True(t, IsSecurityIncident(audit.ErrChainIntegrity))
	assert.False(t, IsSecurityIncident(ErrAccessDenied))

	assert.Equal(t, "DECRYPTING", StateDecrypting.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.Equal(t, "gateway request failed while LOGGING: boom",
		(&Error{Op: "request", State: StateLogging, Err: errors.New("boom")}).Error())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
