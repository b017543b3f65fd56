package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/phiguard/pkg/alert"
	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/cipher"
	"github.com/platinummonkey/phiguard/pkg/observability"
	"github.com/platinummonkey/phiguard/pkg/phi"
	"github.com/platinummonkey/phiguard/pkg/policy"
	"github.com/platinummonkey/phiguard/pkg/records"
)

const (
	defaultAppendTimeout      = 5 * time.Second
	defaultDecryptConcurrency = 8
)

// PolicySource yields the policy snapshot for one request.
// *policy.Validator implements it.
type PolicySource interface {
	Policy() *policy.Policy
}

// FieldCipher seals and opens field values. *cipher.FieldCipher implements it.
type FieldCipher interface {
	EncryptCurrent(ctx context.Context, class phi.Classification, plaintext []byte) (cipher.ProtectedField, error)
	Decrypt(ctx context.Context, f cipher.ProtectedField) ([]byte, error)
}

// Options wires a Gateway. Policies, Cipher, Records and Chain are required.
type Options struct {
	Policies PolicySource
	Cipher   FieldCipher
	Records  *records.Store
	Chain    *audit.ChainStore
	Alerter  alert.Alerter
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	// AppendTimeout bounds the audit append, which runs even after the
	// caller's context is cancelled.
	AppendTimeout time.Duration
	// DecryptConcurrency bounds parallel field decryption per request.
	DecryptConcurrency int
}

// Gateway authorizes, decrypts and audits protected-field access.
type Gateway struct {
	policies      PolicySource
	cipher        FieldCipher
	records       *records.Store
	chain         *audit.ChainStore
	alerter       alert.Alerter
	logger        *observability.Logger
	metrics       *observability.Metrics
	appendTimeout time.Duration
	concurrency   int
}

// New creates a Gateway.
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Policies == nil:
		return nil, fmt.Errorf("policy source is required")
	case opts.Cipher == nil:
		return nil, fmt.Errorf("field cipher is required")
	case opts.Records == nil:
		return nil, fmt.Errorf("record store is required")
	case opts.Chain == nil:
		return nil, fmt.Errorf("audit chain is required")
	}
	if opts.Alerter == nil {
		opts.Alerter = alert.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = defaultAppendTimeout
	}
	if opts.DecryptConcurrency <= 0 {
		opts.DecryptConcurrency = defaultDecryptConcurrency
	}
	return &Gateway{
		policies:      opts.Policies,
		cipher:        opts.Cipher,
		records:       opts.Records,
		chain:         opts.Chain,
		alerter:       opts.Alerter,
		logger:        opts.Logger.WithField("component", "gateway"),
		metrics:       opts.Metrics,
		appendTimeout: opts.AppendTimeout,
		concurrency:   opts.DecryptConcurrency,
	}, nil
}

// Result is the outcome of a read. Fields holds plaintext for the returned
// fields only; the caller must not persist it.
type Result struct {
	RecordID string
	Fields   map[string][]byte
	// Returned lists the keys of Fields in request order.
	Returned       []string
	Denied         []policy.FieldDenial
	Reason         policy.ReasonCode
	Emergency      bool
	PolicyVersion  string
	SequenceNumber int64
	State          State
}

// tracker follows one operation through its states.
type tracker struct {
	op    string
	state State
}

func (t *tracker) advance(s State) { t.state = s }

func (t *tracker) fail(err error) error {
	failed := t.state
	t.state = StateFailed
	return &Error{Op: t.op, State: failed, Err: err}
}

// Request reads fields of the record named by res. Permitted fields are
// decrypted; a field that fails decryption is denied with
// integrity_failure. One audit entry records the outcome before any
// plaintext is returned.
//
// When nothing was permitted the returned error wraps ErrAccessDenied and
// the Result still lists the denials. Validation failures wrap
// policy.ErrValidation and are not audited.
func (g *Gateway) Request(ctx context.Context, ac policy.AccessContext, res policy.ResourceDescriptor, fields []string) (result *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "gateway.request",
		attribute.String("phi.resource_type", res.Type),
		attribute.Int("phi.fields_requested", len(fields)),
	)
	t := &tracker{op: "request", state: StateValidating}
	defer func() {
		if result != nil {
			g.observe(t, len(result.Fields), result.Denied, err)
		} else {
			g.observe(t, 0, nil, err)
		}
		observability.EndSpan(span, err)
	}()

	if err := policy.ValidateRequest(ac, res, fields, policy.ActionRead); err != nil {
		return nil, t.fail(err)
	}
	rec, err := g.loadRecord(ctx, res)
	if err != nil {
		return nil, t.fail(err)
	}

	snapshot := g.policies.Policy()
	decision := authorize(snapshot, ac, res, rec, fields, policy.ActionRead)

	t.advance(StateDecrypting)
	plain := g.decrypt(ctx, res.Type, rec, &decision)

	t.advance(StateLogging)
	// Nothing decrypted may leave the gateway once the caller has gone,
	// but the attempt is still recorded.
	cancelled := ctx.Err()
	if cancelled != nil {
		wipe(plain)
		plain = nil
	}

	entry, err := g.appendEntry(ctx, readDraft(ac, res, decision, cancelled != nil), nil)
	if err != nil {
		wipe(plain)
		return nil, t.fail(err)
	}
	if cancelled != nil {
		return nil, t.fail(cancelled)
	}

	result = &Result{
		RecordID:       res.ID,
		Fields:         plain,
		Denied:         decision.Denied,
		Reason:         decision.Reason,
		Emergency:      decision.Emergency,
		PolicyVersion:  decision.PolicyVersion,
		SequenceNumber: entry.SequenceNumber,
		Returned:       decision.AllowedNames(),
	}

	if decision.Emergency && len(plain) > 0 {
		g.raise(ctx, alert.New(alert.KindEmergencyAccess, "Emergency access to protected fields", map[string]any{
			"actor_id":        ac.ActorID,
			"resource_type":   res.Type,
			"fields":          decision.AllowedNames(),
			"sequence_number": entry.SequenceNumber,
		}))
	}

	t.advance(StateComplete)
	result.State = StateComplete
	if len(decision.Allowed) == 0 {
		return result, denied(decision.Reason)
	}
	return result, nil
}

// loadRecord returns nil, without error, when the record does not exist or
// is not of the requested type. Authorization then denies every field with
// unknown_resource.
func (g *Gateway) loadRecord(ctx context.Context, res policy.ResourceDescriptor) (*records.Record, error) {
	rec, err := g.records.Get(ctx, res.ID)
	if errors.Is(err, records.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.ResourceType != res.Type {
		return nil, nil
	}
	return rec, nil
}

// authorize evaluates fields against one snapshot. A missing record denies
// everything. The record's own consent flag tightens the descriptor's.
func authorize(p *policy.Policy, ac policy.AccessContext, res policy.ResourceDescriptor, rec *records.Record, fields []string, action policy.Action) policy.Decision {
	if rec == nil {
		return unknownResource(p, ac, fields)
	}
	res.ConsentRequired = res.ConsentRequired || rec.ConsentRequired
	return p.Authorize(ac, res, fields, action)
}

func unknownResource(p *policy.Policy, ac policy.AccessContext, fields []string) policy.Decision {
	d := policy.Decision{
		Allowed:       []policy.FieldGrant{},
		Denied:        []policy.FieldDenial{},
		Reason:        policy.ReasonUnknownResource,
		Emergency:     ac.Purpose == policy.PurposeEmergency,
		PolicyVersion: p.Version(),
	}
	seen := make(map[string]bool, len(fields))
	for _, name := range fields {
		if !seen[name] {
			seen[name] = true
			d.Denied = append(d.Denied, policy.FieldDenial{Name: name, Reason: policy.ReasonUnknownResource})
		}
	}
	return d
}

type decrypted struct {
	plaintext []byte
	reason    policy.ReasonCode
}

// decrypt opens every allowed field in parallel and moves failures to the
// denied list.
func (g *Gateway) decrypt(ctx context.Context, resourceType string, rec *records.Record, d *policy.Decision) map[string][]byte {
	plain := make(map[string][]byte, len(d.Allowed))
	if len(d.Allowed) == 0 {
		return plain
	}

	grants := append([]policy.FieldGrant(nil), d.Allowed...)
	out := make([]decrypted, len(grants))

	var eg errgroup.Group
	eg.SetLimit(g.concurrency)
	for i, grant := range grants {
		eg.Go(func() error {
			out[i] = g.decryptField(ctx, resourceType, rec, grant)
			return nil
		})
	}
	_ = eg.Wait()

	for i, grant := range grants {
		if out[i].reason != "" {
			d.Deny(grant.Name, out[i].reason)
			continue
		}
		plain[grant.Name] = out[i].plaintext
	}
	return plain
}

func (g *Gateway) decryptField(ctx context.Context, resourceType string, rec *records.Record, grant policy.FieldGrant) decrypted {
	stored, ok := rec.Fields[grant.Name]
	if !ok {
		return decrypted{reason: policy.ReasonUnknownField}
	}
	// The stored header must match the catalog; a relabelled field would
	// otherwise be judged under the wrong rules.
	if stored.Classification != grant.Classification {
		g.decryptFailed(ctx, resourceType, grant.Name, stored, "classification mismatch")
		return decrypted{reason: policy.ReasonIntegrityFailure}
	}
	plaintext, err := g.cipher.Decrypt(ctx, stored)
	if err != nil {
		if ctx.Err() == nil {
			g.decryptFailed(ctx, resourceType, grant.Name, stored, "authentication or key lookup failed")
		}
		return decrypted{reason: policy.ReasonIntegrityFailure}
	}
	return decrypted{plaintext: plaintext}
}

func (g *Gateway) decryptFailed(ctx context.Context, resourceType, field string, f cipher.ProtectedField, cause string) {
	g.metrics.DecryptFailuresTotal.WithLabelValues(string(f.Classification)).Inc()
	g.logger.WithFields(map[string]interface{}{
		"resource_type":  resourceType,
		"field":          field,
		"classification": string(f.Classification),
		"key_version":    f.KeyVersion,
	}).Warn("Protected field failed decryption")
	g.raise(ctx, alert.New(alert.KindDecryptFailure, "Protected field failed decryption: "+cause, map[string]any{
		"resource_type":  resourceType,
		"field":          field,
		"classification": string(f.Classification),
		"key_version":    f.KeyVersion,
	}))
}

func readDraft(ac policy.AccessContext, res policy.ResourceDescriptor, d policy.Decision, cancelled bool) audit.Draft {
	draft := baseDraft(ac, res, d, policy.ActionRead)
	draft.EventType = audit.EventPHIRead
	if d.Emergency {
		draft.EventType = audit.EventPHIEmergencyRead
	}
	// A cancelled read still names the fields that were decrypted before
	// the plaintext was wiped.
	if cancelled {
		draft.Outcome = audit.OutcomeError
		draft.AdditionalData["cancelled"] = true
	}
	return draft
}

// baseDraft records the decision. Only names, codes and versions go into
// the entry, never values.
func baseDraft(ac policy.AccessContext, res policy.ResourceDescriptor, d policy.Decision, action policy.Action) audit.Draft {
	outcome := audit.OutcomeSuccess
	if len(d.Allowed) == 0 {
		outcome = audit.OutcomeDenied
	}
	return audit.Draft{
		ActorID:        ac.ActorID,
		ResourceType:   res.Type,
		ResourceID:     res.ID,
		Action:         string(action),
		Outcome:        outcome,
		IPAddress:      ac.IPAddress,
		SessionID:      ac.SessionID,
		FieldsAccessed: d.AllowedNames(),
		AdditionalData: map[string]any{
			"role":           string(ac.Role),
			"purpose":        string(ac.Purpose),
			"reason":         string(d.Reason),
			"denied":         d.Denied,
			"policy_version": d.PolicyVersion,
		},
	}
}

// appendEntry writes draft, with fn in the same transaction. It runs to
// completion even if ctx is cancelled.
func (g *Gateway) appendEntry(ctx context.Context, draft audit.Draft, fn audit.TxFunc) (*audit.Entry, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.appendTimeout)
	defer cancel()

	entry, err := g.chain.AppendWith(actx, draft, fn)
	if err != nil && errors.Is(err, audit.ErrAuditWriteFailure) {
		g.logger.WithError(err).WithFields(map[string]interface{}{
			"event_type":    string(draft.EventType),
			"resource_type": draft.ResourceType,
		}).Error("Audit append failed; operation rolled back")
		g.raise(ctx, alert.New(alert.KindAuditWriteFailure, "Audit entry could not be written; operation rolled back", map[string]any{
			"event_type":    string(draft.EventType),
			"resource_type": draft.ResourceType,
		}))
	}
	return entry, err
}

func (g *Gateway) raise(ctx context.Context, a alert.Alert) {
	if err := g.alerter.Raise(context.WithoutCancel(ctx), a); err != nil {
		g.logger.WithError(err).WithField("kind", string(a.Kind)).Error("Failed to deliver alert")
	}
}

// observe records metrics for a finished operation.
func (g *Gateway) observe(t *tracker, granted int, denials []policy.FieldDenial, err error) {
	outcome := "success"
	switch {
	case err == nil && len(denials) > 0:
		outcome = "partial"
	case errors.Is(err, ErrAccessDenied):
		outcome = "denied"
	case errors.Is(err, policy.ErrValidation):
		outcome = "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	g.metrics.GatewayRequestsTotal.WithLabelValues(t.op, outcome).Inc()

	if granted > 0 {
		g.metrics.GatewayFieldsTotal.WithLabelValues(string(policy.ReasonGranted)).Add(float64(granted))
	}
	for _, d := range denials {
		g.metrics.GatewayFieldsTotal.WithLabelValues(string(d.Reason)).Inc()
	}

	if err != nil && !errors.Is(err, ErrAccessDenied) && !errors.Is(err, policy.ErrValidation) {
		g.logger.WithError(err).WithField("operation", t.op).Warn("Gateway operation failed")
	}
}

func wipe(plain map[string][]byte) {
	for _, v := range plain {
		clear(v)
	}
}
