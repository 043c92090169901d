package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type postgresRepo struct{ db *sql.DB }

func NewPostgresRepository(db *sql.DB) Repository { return &postgresRepo{db: db} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (r *postgresRepo) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&postgresTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ── Policies ──────────────────────────────────────────────────────────────────

const policyColumns = `id,org_id,name,channel,region,status,allow_partial_fulfillment,failover_strategy,
	sla_minutes,max_lag_minutes,fallback_policy_id,effective_at,version,created_at,updated_at`

func (r *postgresRepo) CreatePolicy(ctx context.Context, p *RoutingPolicy, audit *RoutingPolicyAudit) error {
	return r.InTx(ctx, func(tx Tx) error {
		q := tx.(*postgresTx).q
		_, err := q.ExecContext(ctx, `
			INSERT INTO routing_policies (id,org_id,name,channel,region,status,allow_partial_fulfillment,
				failover_strategy,sla_minutes,max_lag_minutes,fallback_policy_id,effective_at,version,created_at,updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			p.ID, p.OrgID, p.Name, p.Channel, p.Region, p.Status, p.AllowPartialFulfillment,
			p.FailoverStrategy, p.SlaMinutes, p.MaxLagMinutes, p.FallbackPolicyID, p.EffectiveAt,
			p.Version, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, audit)
	})
}

func (r *postgresRepo) GetPolicy(ctx context.Context, id uuid.UUID) (*RoutingPolicy, error) {
	p, err := scanPolicy(r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM routing_policies WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	return p, err
}

func (r *postgresRepo) GetActivePolicy(ctx context.Context, channel, region string) (*RoutingPolicy, error) {
	p, err := findActivePolicy(ctx, r.db, channel, region, false)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNoActivePolicy
	}
	return p, nil
}

func findActivePolicy(ctx context.Context, q queryer, channel, region string, lock bool) (*RoutingPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM routing_policies
		WHERE status='active' AND lower(channel)=lower($1) AND lower(region)=lower($2) LIMIT 1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanPolicy(q.QueryRowContext(ctx, query, channel, region))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *postgresRepo) ListPolicies(ctx context.Context) ([]*RoutingPolicy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM routing_policies ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var policies []*RoutingPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ── Rules, vendors, SLA targets ───────────────────────────────────────────────

func (r *postgresRepo) GetRules(ctx context.Context, policyID uuid.UUID) ([]RoutingRule, error) {
	return listRules(ctx, r.db, policyID)
}

func listRules(ctx context.Context, q queryer, policyID uuid.UUID) ([]RoutingRule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id,policy_id,name,priority,criteria,weights,fan_out,fallback_policy_id,created_at,updated_at
		FROM routing_rules WHERE policy_id=$1 ORDER BY priority ASC, created_at ASC, id ASC`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []RoutingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func (r *postgresRepo) GetVendorProfiles(ctx context.Context, policyID uuid.UUID) ([]RoutingPolicyVendor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id,policy_id,vendor_id,weight,capacity_per_hour,current_load_percent,failover_priority,
			health,auto_pause_threshold,specializations,region,updated_at
		FROM routing_policy_vendors WHERE policy_id=$1 ORDER BY failover_priority ASC, vendor_id ASC`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var vendors []RoutingPolicyVendor
	for rows.Next() {
		var v RoutingPolicyVendor
		var specs pq.StringArray
		if err := rows.Scan(&v.ID, &v.PolicyID, &v.VendorID, &v.Weight, &v.CapacityPerHour,
			&v.CurrentLoadPercent, &v.FailoverPriority, &v.Health, &v.AutoPauseThreshold,
			&specs, &v.Region, &v.UpdatedAt); err != nil {
			return nil, err
		}
		v.Specializations = specs
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

func (r *postgresRepo) GetSlaTargets(ctx context.Context, policyID uuid.UUID) ([]SlaTarget, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id,policy_id,metric,target_value,threshold,warning_threshold,unit
		FROM routing_sla_targets WHERE policy_id=$1 ORDER BY metric ASC`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var targets []SlaTarget
	for rows.Next() {
		var t SlaTarget
		if err := rows.Scan(&t.ID, &t.PolicyID, &t.Metric, &t.TargetValue, &t.Threshold,
			&t.WarningThreshold, &t.Unit); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func (r *postgresRepo) RecordAudit(ctx context.Context, entry *RoutingPolicyAudit) error {
	return insertAudit(ctx, r.db, entry)
}

func insertAudit(ctx context.Context, q queryer, e *RoutingPolicyAudit) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO routing_policy_audits (id,policy_id,actor_id,actor_role,status,action,prior_status,new_status,summary,version,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.PolicyID, e.ActorID, e.ActorRole, e.Status, e.Action, e.PriorStatus, e.NewStatus,
		e.Summary, e.Version, e.CreatedAt)
	return err
}

func (r *postgresRepo) ListAudit(ctx context.Context, policyID uuid.UUID) ([]*RoutingPolicyAudit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id,policy_id,actor_id,actor_role,status,action,prior_status,new_status,summary,version,created_at
		FROM routing_policy_audits WHERE policy_id=$1 ORDER BY created_at ASC`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*RoutingPolicyAudit
	for rows.Next() {
		e := &RoutingPolicyAudit{}
		if err := rows.Scan(&e.ID, &e.PolicyID, &e.ActorID, &e.ActorRole, &e.Status, &e.Action,
			&e.PriorStatus, &e.NewStatus, &e.Summary, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ── Simulations ───────────────────────────────────────────────────────────────

func (r *postgresRepo) SaveSimulation(ctx context.Context, sim *RoutingSimulation) error {
	scenario, err := json.Marshal(sim.Scenario)
	if err != nil {
		return err
	}
	results, err := json.Marshal(sim.Results)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO routing_simulations (id,policy_id,policy_version,scenario,results,created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sim.ID, sim.PolicyID, sim.PolicyVersion, string(scenario), string(results), sim.CreatedAt)
	return err
}

func (r *postgresRepo) ListSimulations(ctx context.Context, policyID uuid.UUID) ([]*RoutingSimulation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id,policy_id,policy_version,scenario,results,created_at
		FROM routing_simulations WHERE policy_id=$1 ORDER BY created_at DESC`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sims []*RoutingSimulation
	for rows.Next() {
		s := &RoutingSimulation{}
		var scenario, results []byte
		if err := rows.Scan(&s.ID, &s.PolicyID, &s.PolicyVersion, &scenario, &results, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(scenario, &s.Scenario); err != nil {
			return nil, fmt.Errorf("decode scenario %s: %w", s.ID, err)
		}
		if err := json.Unmarshal(results, &s.Results); err != nil {
			return nil, fmt.Errorf("decode results %s: %w", s.ID, err)
		}
		sims = append(sims, s)
	}
	return sims, rows.Err()
}

// ── Decisions ─────────────────────────────────────────────────────────────────

const decisionColumns = `id,order_id,policy_id,policy_version,strategy,vendor_id,vendor_ids,allocations,
	rule_id,rule_name,reason,partial,status,decided_at,sla_deadline,lag_deadline,acknowledged_at,sla_started_at`

func (r *postgresRepo) CreateDecision(ctx context.Context, d *RoutingDecision) error {
	allocations, err := json.Marshal(d.Allocations)
	if err != nil {
		return err
	}
	if d.Allocations == nil {
		allocations = []byte(`[]`)
	}
	vendorIDs := make(pq.StringArray, len(d.VendorIDs))
	for i, id := range d.VendorIDs {
		vendorIDs[i] = id.String()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (`+decisionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		d.ID, d.OrderID, d.PolicyID, d.PolicyVersion, d.Strategy, d.VendorID, vendorIDs,
		string(allocations), d.RuleID, d.RuleName, d.Reason, d.Partial, d.Status, d.DecidedAt,
		d.SlaDeadline, d.LagDeadline, d.AcknowledgedAt, d.SlaStartedAt)
	return err
}

func (r *postgresRepo) GetDecisionByOrderID(ctx context.Context, orderID uuid.UUID) (*RoutingDecision, error) {
	d, err := scanDecision(r.db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+` FROM routing_decisions
		WHERE order_id=$1 ORDER BY decided_at DESC LIMIT 1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDecisionNotFound
	}
	return d, err
}

func (r *postgresRepo) ListDecisionsByVendor(ctx context.Context, vendorID uuid.UUID) ([]*RoutingDecision, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM routing_decisions
		WHERE vendor_id=$1 ORDER BY decided_at DESC`, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var decisions []*RoutingDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (r *postgresRepo) UpdateDecisionStatus(ctx context.Context, id uuid.UUID, status DecisionStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE routing_decisions SET status=$1 WHERE id=$2`, status, id)
	return affectedOne(res, err, ErrDecisionNotFound)
}

func (r *postgresRepo) AcknowledgeDecision(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE routing_decisions SET acknowledged_at=COALESCE(acknowledged_at,$1) WHERE id=$2`, at, id)
	return affectedOne(res, err, ErrDecisionNotFound)
}

func affectedOne(res sql.Result, err, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ── Transaction ───────────────────────────────────────────────────────────────

type postgresTx struct{ q queryer }

func (t *postgresTx) LockPolicy(ctx context.Context, id uuid.UUID) (*RoutingPolicy, error) {
	p, err := scanPolicy(t.q.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM routing_policies WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	return p, err
}

func (t *postgresTx) FindActivePolicy(ctx context.Context, channel, region string) (*RoutingPolicy, error) {
	return findActivePolicy(ctx, t.q, channel, region, true)
}

func (t *postgresTx) UpdatePolicy(ctx context.Context, p *RoutingPolicy, expectedVersion int) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE routing_policies SET name=$1,status=$2,allow_partial_fulfillment=$3,failover_strategy=$4,
			sla_minutes=$5,max_lag_minutes=$6,fallback_policy_id=$7,effective_at=$8,version=$9,updated_at=$10
		WHERE id=$11 AND version=$12`,
		p.Name, p.Status, p.AllowPartialFulfillment, p.FailoverStrategy, p.SlaMinutes, p.MaxLagMinutes,
		p.FallbackPolicyID, p.EffectiveAt, p.Version, p.UpdatedAt, p.ID, expectedVersion)
	if isUniqueViolation(err) {
		return ErrActivePolicyExists
	}
	return affectedOne(res, err, ErrConflict)
}

func (t *postgresTx) ListRules(ctx context.Context, policyID uuid.UUID) ([]RoutingRule, error) {
	return listRules(ctx, t.q, policyID)
}

func (t *postgresTx) InsertRule(ctx context.Context, rule *RoutingRule) error {
	weights, err := marshalWeights(rule.Weights)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO routing_rules (id,policy_id,name,priority,criteria,weights,fan_out,fallback_policy_id,created_at,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rule.ID, rule.PolicyID, rule.Name, rule.Priority, string(rule.Criteria), weights,
		rule.FanOut, rule.FallbackPolicyID, rule.CreatedAt, rule.UpdatedAt)
	if isUniqueViolation(err) {
		return validationError("priority %d is already used", rule.Priority)
	}
	return err
}

func (t *postgresTx) UpdateRule(ctx context.Context, rule *RoutingRule) error {
	weights, err := marshalWeights(rule.Weights)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE routing_rules SET name=$1,priority=$2,criteria=$3,weights=$4,fan_out=$5,
			fallback_policy_id=$6,updated_at=$7
		WHERE id=$8 AND policy_id=$9`,
		rule.Name, rule.Priority, string(rule.Criteria), weights, rule.FanOut,
		rule.FallbackPolicyID, rule.UpdatedAt, rule.ID, rule.PolicyID)
	if isUniqueViolation(err) {
		return validationError("priority %d is already used", rule.Priority)
	}
	return affectedOne(res, err, ErrRuleNotFound)
}

func (t *postgresTx) DeleteRule(ctx context.Context, policyID, ruleID uuid.UUID) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM routing_rules WHERE id=$1 AND policy_id=$2`, ruleID, policyID)
	return affectedOne(res, err, ErrRuleNotFound)
}

func (t *postgresTx) UpsertVendorProfile(ctx context.Context, v *RoutingPolicyVendor) error {
	return t.q.QueryRowContext(ctx, `
		INSERT INTO routing_policy_vendors (id,policy_id,vendor_id,weight,capacity_per_hour,current_load_percent,
			failover_priority,health,auto_pause_threshold,specializations,region,updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (policy_id, vendor_id) DO UPDATE SET
			weight=EXCLUDED.weight, capacity_per_hour=EXCLUDED.capacity_per_hour,
			current_load_percent=EXCLUDED.current_load_percent, failover_priority=EXCLUDED.failover_priority,
			health=EXCLUDED.health, auto_pause_threshold=EXCLUDED.auto_pause_threshold,
			specializations=EXCLUDED.specializations, region=EXCLUDED.region, updated_at=EXCLUDED.updated_at
		RETURNING id`,
		v.ID, v.PolicyID, v.VendorID, v.Weight, v.CapacityPerHour, v.CurrentLoadPercent,
		v.FailoverPriority, v.Health, v.AutoPauseThreshold, pq.Array(v.Specializations), v.Region,
		v.UpdatedAt).Scan(&v.ID)
}

func (t *postgresTx) DeleteVendorProfile(ctx context.Context, policyID, vendorID uuid.UUID) error {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM routing_policy_vendors WHERE policy_id=$1 AND vendor_id=$2`, policyID, vendorID)
	return affectedOne(res, err, ErrVendorNotFound)
}

func (t *postgresTx) UpsertSlaTarget(ctx context.Context, target *SlaTarget) error {
	return t.q.QueryRowContext(ctx, `
		INSERT INTO routing_sla_targets (id,policy_id,metric,target_value,threshold,warning_threshold,unit)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (policy_id, metric) DO UPDATE SET
			target_value=EXCLUDED.target_value, threshold=EXCLUDED.threshold,
			warning_threshold=EXCLUDED.warning_threshold, unit=EXCLUDED.unit
		RETURNING id`,
		target.ID, target.PolicyID, target.Metric, target.TargetValue, target.Threshold,
		target.WarningThreshold, target.Unit).Scan(&target.ID)
}

func (t *postgresTx) DeleteSlaTarget(ctx context.Context, policyID uuid.UUID, metric string) error {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM routing_sla_targets WHERE policy_id=$1 AND metric=$2`, policyID, metric)
	return affectedOne(res, err, ErrSlaTargetNotFound)
}

func (t *postgresTx) RecordAudit(ctx context.Context, entry *RoutingPolicyAudit) error {
	return insertAudit(ctx, t.q, entry)
}

// ── scanners ──────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*RoutingPolicy, error) {
	p := &RoutingPolicy{}
	var orgID, fallbackID uuid.NullUUID
	var effectiveAt sql.NullTime
	err := row.Scan(&p.ID, &orgID, &p.Name, &p.Channel, &p.Region, &p.Status, &p.AllowPartialFulfillment,
		&p.FailoverStrategy, &p.SlaMinutes, &p.MaxLagMinutes, &fallbackID, &effectiveAt, &p.Version,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.OrgID = nullUUID(orgID)
	p.FallbackPolicyID = nullUUID(fallbackID)
	p.EffectiveAt = nullTime(effectiveAt)
	return p, nil
}

func scanRule(row rowScanner) (*RoutingRule, error) {
	rule := &RoutingRule{}
	var criteria, weights []byte
	var fallbackID uuid.NullUUID
	err := row.Scan(&rule.ID, &rule.PolicyID, &rule.Name, &rule.Priority, &criteria, &weights,
		&rule.FanOut, &fallbackID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Criteria = json.RawMessage(criteria)
	if len(weights) > 0 {
		if err := json.Unmarshal(weights, &rule.Weights); err != nil {
			return nil, fmt.Errorf("decode weights of rule %s: %w", rule.ID, err)
		}
		if len(rule.Weights) == 0 {
			rule.Weights = nil
		}
	}
	rule.FallbackPolicyID = nullUUID(fallbackID)
	return rule, nil
}

func scanDecision(row rowScanner) (*RoutingDecision, error) {
	d := &RoutingDecision{}
	var policyID, vendorID, ruleID uuid.NullUUID
	var vendorIDs pq.StringArray
	var allocations []byte
	var slaDeadline, lagDeadline, ackAt, slaStartedAt sql.NullTime
	err := row.Scan(&d.ID, &d.OrderID, &policyID, &d.PolicyVersion, &d.Strategy, &vendorID, &vendorIDs,
		&allocations, &ruleID, &d.RuleName, &d.Reason, &d.Partial, &d.Status, &d.DecidedAt,
		&slaDeadline, &lagDeadline, &ackAt, &slaStartedAt)
	if err != nil {
		return nil, err
	}
	d.PolicyID = nullUUID(policyID)
	d.VendorID = nullUUID(vendorID)
	d.RuleID = nullUUID(ruleID)
	for _, s := range vendorIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("decode vendor_ids of decision %s: %w", d.ID, err)
		}
		d.VendorIDs = append(d.VendorIDs, id)
	}
	if len(allocations) > 0 {
		if err := json.Unmarshal(allocations, &d.Allocations); err != nil {
			return nil, fmt.Errorf("decode allocations of decision %s: %w", d.ID, err)
		}
		if len(d.Allocations) == 0 {
			d.Allocations = nil
		}
	}
	d.SlaDeadline = nullTime(slaDeadline)
	d.LagDeadline = nullTime(lagDeadline)
	d.AcknowledgedAt = nullTime(ackAt)
	d.SlaStartedAt = nullTime(slaStartedAt)
	return d, nil
}

func marshalWeights(w map[string]float64) (string, error) {
	if len(w) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(w)
	return string(b), err
}

func nullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
