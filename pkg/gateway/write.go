package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/cipher"
	"github.com/platinummonkey/phiguard/pkg/observability"
	"github.com/platinummonkey/phiguard/pkg/policy"
	"github.com/platinummonkey/phiguard/pkg/records"
)

// NewRecord describes a record to create. Values are plaintext and are
// encrypted before they reach storage.
type NewRecord struct {
	ResourceType    string
	SubjectID       string
	ConsentRequired bool
	Values          map[string][]byte
}

// WriteResult is the outcome of a write.
type WriteResult struct {
	RecordID       string
	Fields         []string
	Denied         []policy.FieldDenial
	Reason         policy.ReasonCode
	PolicyVersion  string
	SequenceNumber int64
	State          State
}

// Create encrypts and stores a new record. Writes are all or nothing: if
// any field is denied nothing is stored, the denial is audited and the
// error wraps ErrAccessDenied. The record and its phi.write entry commit in
// one transaction.
func (g *Gateway) Create(ctx context.Context, ac policy.AccessContext, in NewRecord) (result *WriteResult, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.create", attribute.String("phi.resource_type", in.ResourceType))
	t := &tracker{op: "create", state: StateValidating}
	defer func() { g.finishWrite(t, span, result, err) }()

	// The id exists before any row does.
	res := policy.ResourceDescriptor{Type: in.ResourceType, ID: records.NewID(), ConsentRequired: in.ConsentRequired}
	rec := &records.Record{
		ID:              res.ID,
		ResourceType:    in.ResourceType,
		SubjectID:       in.SubjectID,
		ConsentRequired: in.ConsentRequired,
	}
	return g.write(ctx, t, ac, res, in.Values, func(ctx context.Context, tx *sql.Tx, fields map[string]cipher.ProtectedField) error {
		rec.Fields = fields
		return g.records.Insert(ctx, tx, rec)
	})
}

// UpdateFields encrypts values and replaces those fields of an existing
// record, with the same all or nothing rule as Create.
func (g *Gateway) UpdateFields(ctx context.Context, ac policy.AccessContext, res policy.ResourceDescriptor, values map[string][]byte) (result *WriteResult, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.update", attribute.String("phi.resource_type", res.Type))
	t := &tracker{op: "update", state: StateValidating}
	defer func() { g.finishWrite(t, span, result, err) }()

	return g.write(ctx, t, ac, res, values, func(ctx context.Context, tx *sql.Tx, fields map[string]cipher.ProtectedField) error {
		return g.records.ReplaceFields(ctx, tx, res.ID, fields)
	})
}

type mutation func(ctx context.Context, tx *sql.Tx, fields map[string]cipher.ProtectedField) error

func (g *Gateway) write(ctx context.Context, t *tracker, ac policy.AccessContext, res policy.ResourceDescriptor, values map[string][]byte, mutate mutation) (*WriteResult, error) {
	names := sortedNames(values)
	if err := policy.ValidateRequest(ac, res, names, policy.ActionWrite); err != nil {
		return nil, t.fail(err)
	}

	snapshot := g.policies.Policy()
	var decision policy.Decision
	if t.op == "create" {
		decision = snapshot.Authorize(ac, res, names, policy.ActionWrite)
	} else {
		rec, err := g.loadRecord(ctx, res)
		if err != nil {
			return nil, t.fail(err)
		}
		decision = authorize(snapshot, ac, res, rec, names, policy.ActionWrite)
	}

	draft := baseDraft(ac, res, decision, policy.ActionWrite)
	draft.EventType = audit.EventPHIWrite

	if len(decision.Denied) > 0 {
		return g.refuse(ctx, t, res, draft, decision)
	}

	t.advance(StateEncrypting)
	fields := make(map[string]cipher.ProtectedField, len(decision.Allowed))
	for _, grant := range decision.Allowed {
		f, err := g.cipher.EncryptCurrent(ctx, grant.Classification, values[grant.Name])
		if err != nil {
			return nil, t.fail(g.recordFailure(ctx, draft, "encryption_failed", err))
		}
		fields[grant.Name] = f
	}
	draft.AdditionalData["key_versions"] = keyVersions(fields)

	t.advance(StateLogging)
	entry, err := g.appendEntry(ctx, draft, func(ctx context.Context, tx *sql.Tx) error {
		return mutate(ctx, tx, fields)
	})
	if err != nil {
		return nil, t.fail(err)
	}

	t.advance(StateComplete)
	return &WriteResult{
		RecordID:       res.ID,
		Fields:         decision.AllowedNames(),
		Denied:         decision.Denied,
		Reason:         decision.Reason,
		PolicyVersion:  decision.PolicyVersion,
		SequenceNumber: entry.SequenceNumber,
		State:          StateComplete,
	}, nil
}

// refuse audits a write that was not permitted in full.
func (g *Gateway) refuse(ctx context.Context, t *tracker, res policy.ResourceDescriptor, draft audit.Draft, d policy.Decision) (*WriteResult, error) {
	draft.Outcome = audit.OutcomeDenied
	draft.FieldsAccessed = []string{}
	reason := d.Reason
	if reason == policy.ReasonPartial {
		reason = d.Denied[0].Reason
	}
	draft.AdditionalData["reason"] = string(reason)

	t.advance(StateLogging)
	entry, err := g.appendEntry(ctx, draft, nil)
	if err != nil {
		return nil, t.fail(err)
	}
	t.advance(StateComplete)
	return &WriteResult{
		RecordID:       res.ID,
		Fields:         []string{},
		Denied:         d.Denied,
		Reason:         reason,
		PolicyVersion:  d.PolicyVersion,
		SequenceNumber: entry.SequenceNumber,
		State:          StateComplete,
	}, denied(reason)
}

// recordFailure audits an operation that failed after authorization and
// returns cause, or the append error if that failed too.
func (g *Gateway) recordFailure(ctx context.Context, draft audit.Draft, reason string, cause error) error {
	draft.Outcome = audit.OutcomeError
	draft.FieldsAccessed = []string{}
	draft.AdditionalData["failure"] = reason
	if _, err := g.appendEntry(ctx, draft, nil); err != nil {
		return fmt.Errorf("%w (while recording: %w)", err, cause)
	}
	return cause
}

// Reencrypt rotates every field of a record to the current key version of
// its classification. Plaintext exists only inside this call. If any field
// fails to open nothing is rewritten.
func (g *Gateway) Reencrypt(ctx context.Context, ac policy.AccessContext, res policy.ResourceDescriptor) (result *WriteResult, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.reencrypt", attribute.String("phi.resource_type", res.Type))
	t := &tracker{op: "reencrypt", state: StateValidating}
	defer func() { g.finishWrite(t, span, result, err) }()

	rec, err := g.loadRecord(ctx, res)
	if err != nil {
		return nil, t.fail(err)
	}
	if rec == nil {
		return nil, t.fail(records.ErrNotFound)
	}
	names := rec.FieldNames()
	if err := policy.ValidateRequest(ac, res, names, policy.ActionWrite); err != nil {
		return nil, t.fail(err)
	}

	snapshot := g.policies.Policy()
	decision := authorize(snapshot, ac, res, rec, names, policy.ActionWrite)
	draft := baseDraft(ac, res, decision, policy.ActionWrite)
	draft.EventType = audit.EventPHIReencrypt
	draft.Action = "reencrypt"
	if len(decision.Denied) > 0 {
		return g.refuse(ctx, t, res, draft, decision)
	}

	t.advance(StateDecrypting)
	fields := make(map[string]cipher.ProtectedField, len(decision.Allowed))
	previous := make(map[string]int, len(decision.Allowed))
	for _, grant := range decision.Allowed {
		stored := rec.Fields[grant.Name]
		if stored.Classification != grant.Classification {
			g.decryptFailed(ctx, res.Type, grant.Name, stored, "classification mismatch")
			return nil, t.fail(g.recordFailure(ctx, draft, string(policy.ReasonIntegrityFailure),
				fmt.Errorf("%w: field %q classification does not match catalog", cipher.ErrDecryption, grant.Name)))
		}
		plaintext, err := g.cipher.Decrypt(ctx, stored)
		if err != nil {
			g.decryptFailed(ctx, res.Type, grant.Name, stored, "authentication or key lookup failed")
			return nil, t.fail(g.recordFailure(ctx, draft, string(policy.ReasonIntegrityFailure), err))
		}
		f, err := g.cipher.EncryptCurrent(ctx, grant.Classification, plaintext)
		clear(plaintext)
		if err != nil {
			return nil, t.fail(g.recordFailure(ctx, draft, "encryption_failed", err))
		}
		fields[grant.Name] = f
		previous[grant.Name] = stored.KeyVersion
	}
	draft.AdditionalData["key_versions"] = keyVersions(fields)
	draft.AdditionalData["previous_key_versions"] = previous

	t.advance(StateLogging)
	entry, err := g.appendEntry(ctx, draft, func(ctx context.Context, tx *sql.Tx) error {
		return g.records.ReplaceFields(ctx, tx, res.ID, fields)
	})
	if err != nil {
		return nil, t.fail(err)
	}

	t.advance(StateComplete)
	return &WriteResult{
		RecordID:       res.ID,
		Fields:         decision.AllowedNames(),
		Denied:         decision.Denied,
		Reason:         decision.Reason,
		PolicyVersion:  decision.PolicyVersion,
		SequenceNumber: entry.SequenceNumber,
		State:          StateComplete,
	}, nil
}

func (g *Gateway) finishWrite(t *tracker, span trace.Span, result *WriteResult, err error) {
	if result != nil {
		g.observe(t, len(result.Fields), result.Denied, err)
	} else {
		g.observe(t, 0, nil, err)
	}
	observability.EndSpan(span, err)
}

func keyVersions(fields map[string]cipher.ProtectedField) map[string]int {
	out := make(map[string]int, len(fields))
	for name, f := range fields {
		out[name] = f.KeyVersion
	}
	return out
}

func sortedNames(values map[string][]byte) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
