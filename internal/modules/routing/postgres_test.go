package routing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var policyRowColumns = []string{
	"id", "org_id", "name", "channel", "region", "status", "allow_partial_fulfillment", "failover_strategy",
	"sla_minutes", "max_lag_minutes", "fallback_policy_id", "effective_at", "version", "created_at", "updated_at",
}

var decisionRowColumns = []string{
	"id", "order_id", "policy_id", "policy_version", "strategy", "vendor_id", "vendor_ids", "allocations",
	"rule_id", "rule_name", "reason", "partial", "status", "decided_at", "sla_deadline", "lag_deadline", "acknowledged_at", "sla_started_at",
}

func newMockRepo(t *testing.T) (Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgres_GetPolicy(t *testing.T) {
	repo, mock := newMockRepo(t)
	id, fallback := uuid.New(), uuid.New()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM routing_policies WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(policyRowColumns).AddRow(
			id.String(), nil, "web US", "web", "US", "active", true, "round_robin",
			60, 15, fallback.String(), nil, 7, created, created,
		))

	p, err := repo.GetPolicy(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Nil(t, p.OrgID)
	assert.Equal(t, PolicyActive, p.Status)
	assert.Equal(t, StrategyRoundRobin, p.FailoverStrategy)
	assert.True(t, p.AllowPartialFulfillment)
	require.NotNil(t, p.FallbackPolicyID)
	assert.Equal(t, fallback, *p.FallbackPolicyID)
	assert.Nil(t, p.EffectiveAt)
	assert.Equal(t, 7, p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetPolicyNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	mock.ExpectQuery(`SELECT (.+) FROM routing_policies WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(policyRowColumns))

	_, err := repo.GetPolicy(context.Background(), id)
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetActivePolicyNone(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`SELECT (.+) FROM routing_policies\s+WHERE status='active' AND lower\(channel\)=lower\(\$1\) AND lower\(region\)=lower\(\$2\) LIMIT 1$`).
		WithArgs("web", "US").
		WillReturnRows(sqlmock.NewRows(policyRowColumns))

	_, err := repo.GetActivePolicy(context.Background(), "web", "US")
	assert.ErrorIs(t, err, ErrNoActivePolicy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdatePolicyVersionConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := &RoutingPolicy{ID: uuid.New(), Name: "p", Status: PolicyDraft, FailoverStrategy: StrategyCascading, Version: 3}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE routing_policies SET (.+) WHERE id=\$11 AND version=\$12`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 3, sqlmock.AnyArg(), p.ID, 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.UpdatePolicy(context.Background(), p, 2)
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdatePolicySecondActive(t *testing.T) {
	repo, mock := newMockRepo(t)
	p := &RoutingPolicy{ID: uuid.New(), Status: PolicyActive, Version: 2}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE routing_policies`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.UpdatePolicy(context.Background(), p, 1)
	})
	assert.ErrorIs(t, err, ErrActivePolicyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InTxCommits(t *testing.T) {
	repo, mock := newMockRepo(t)
	policyID := uuid.New()
	rule := &RoutingRule{ID: uuid.New(), PolicyID: policyID, Name: "all", Priority: 1, Criteria: []byte(`{}`)}
	entry := &RoutingPolicyAudit{ID: uuid.New(), PolicyID: policyID, ActorID: "admin", Status: AuditApproved, Action: ActionAddRule}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO routing_rules`).
		WithArgs(rule.ID, policyID, "all", 1, `{}`, `{}`, 0, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO routing_policy_audits`).
		WithArgs(entry.ID, policyID, "admin", "", "approved", "add_rule", "", "", "", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		if err := tx.InsertRule(context.Background(), rule); err != nil {
			return err
		}
		return tx.RecordAudit(context.Background(), entry)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InTxRollsBackOnAuditFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	policyID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM routing_rules`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO routing_policy_audits`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		if err := tx.DeleteRule(context.Background(), policyID, uuid.New()); err != nil {
			return err
		}
		return tx.RecordAudit(context.Background(), &RoutingPolicyAudit{ID: uuid.New(), PolicyID: policyID})
	})
	assert.EqualError(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertRuleDuplicatePriority(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO routing_rules`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertRule(context.Background(), &RoutingRule{ID: uuid.New(), Priority: 4})
	})
	assert.ErrorIs(t, err, ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteMissingRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM routing_policy_vendors`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.DeleteVendorProfile(context.Background(), uuid.New(), uuid.New())
	})
	assert.ErrorIs(t, err, ErrVendorNotFound)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM routing_sla_targets`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	err = repo.InTx(context.Background(), func(tx Tx) error {
		return tx.DeleteSlaTarget(context.Background(), uuid.New(), MetricFulfillmentTime)
	})
	assert.ErrorIs(t, err, ErrSlaTargetNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertVendorProfileKeepsID(t *testing.T) {
	repo, mock := newMockRepo(t)
	existing := uuid.New()
	v := &RoutingPolicyVendor{ID: uuid.New(), PolicyID: uuid.New(), VendorID: uuid.New(), Health: HealthHealthy, Specializations: []string{"foil"}}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO routing_policy_vendors (.+) ON CONFLICT \(policy_id, vendor_id\) DO UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing.String()))
	mock.ExpectCommit()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.UpsertVendorProfile(context.Background(), v)
	})
	require.NoError(t, err)
	assert.Equal(t, existing, v.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateDecision(t *testing.T) {
	repo, mock := newMockRepo(t)
	policyID, vendorA, vendorB := uuid.New(), uuid.New(), uuid.New()
	d := &RoutingDecision{
		ID:            uuid.New(),
		OrderID:       uuid.New(),
		PolicyID:      &policyID,
		PolicyVersion: 3,
		Strategy:      StrategyCascading,
		VendorID:      &vendorA,
		VendorIDs:     []uuid.UUID{vendorA, vendorB},
		Allocations:   []Allocation{{VendorID: vendorA, Units: 10}},
		Reason:        "cascading by failover priority",
		Status:        DecisionAssigned,
		DecidedAt:     time.Now(),
	}

	mock.ExpectExec(`INSERT INTO routing_decisions`).
		WithArgs(d.ID, d.OrderID, policyID, 3, "cascading", vendorA,
			pq.StringArray{vendorA.String(), vendorB.String()},
			`[{"vendor_id":"`+vendorA.String()+`","units":10}]`,
			nil, "", d.Reason, false, "assigned", sqlmock.AnyArg(), nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateDecision(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateFailedDecision(t *testing.T) {
	repo, mock := newMockRepo(t)
	d := &RoutingDecision{ID: uuid.New(), OrderID: uuid.New(), Status: DecisionFailed, Reason: ErrNoEligibleVendor.Error()}

	mock.ExpectExec(`INSERT INTO routing_decisions`).
		WithArgs(d.ID, d.OrderID, nil, 0, "", nil, pq.StringArray{}, `[]`,
			nil, "", d.Reason, false, "failed", sqlmock.AnyArg(), nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateDecision(context.Background(), d))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetDecisionByOrderID(t *testing.T) {
	repo, mock := newMockRepo(t)
	id, orderID, policyID, vendorA, vendorB := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	decided := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	deadline := decided.Add(time.Hour)

	mock.ExpectQuery(`SELECT (.+) FROM routing_decisions\s+WHERE order_id=\$1 ORDER BY decided_at DESC LIMIT 1`).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows(decisionRowColumns).AddRow(
			id.String(), orderID.String(), policyID.String(), 2, "parallel", vendorA.String(),
			[]byte("{"+vendorA.String()+","+vendorB.String()+"}"),
			[]byte(`[{"vendor_id":"`+vendorA.String()+`","units":4}]`),
			nil, "", "parallel dispatch", false, "assigned", decided, deadline, nil, nil, decided,
		))

	d, err := repo.GetDecisionByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, StrategyParallel, d.Strategy)
	assert.Equal(t, []uuid.UUID{vendorA, vendorB}, d.VendorIDs)
	assert.Equal(t, []Allocation{{VendorID: vendorA, Units: 4}}, d.Allocations)
	assert.Nil(t, d.RuleID)
	require.NotNil(t, d.SlaDeadline)
	assert.True(t, deadline.Equal(*d.SlaDeadline))
	assert.Nil(t, d.LagDeadline)
	assert.Nil(t, d.AcknowledgedAt)
	require.NotNil(t, d.SlaStartedAt)
	assert.True(t, decided.Equal(d.SlaStart()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetDecisionNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM routing_decisions`).WillReturnError(sql.ErrNoRows)

	_, err := repo.GetDecisionByOrderID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrDecisionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AcknowledgeDecision(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	at := time.Now()

	mock.ExpectExec(`UPDATE routing_decisions SET acknowledged_at=COALESCE\(acknowledged_at,\$1\) WHERE id=\$2`).
		WithArgs(at, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AcknowledgeDecision(context.Background(), id, at))

	mock.ExpectExec(`UPDATE routing_decisions`).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.AcknowledgeDecision(context.Background(), id, at), ErrDecisionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetRulesDecodesWeights(t *testing.T) {
	repo, mock := newMockRepo(t)
	policyID, ruleID, vendor := uuid.New(), uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(`FROM routing_rules WHERE policy_id=\$1 ORDER BY priority ASC`).
		WithArgs(policyID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "policy_id", "name", "priority", "criteria", "weights", "fan_out", "fallback_policy_id", "created_at", "updated_at",
		}).
			AddRow(ruleID.String(), policyID.String(), "us", 1, []byte(`{"region":"US"}`),
				[]byte(`{"`+vendor.String()+`":2.5}`), 2, nil, now, now).
			AddRow(uuid.NewString(), policyID.String(), "rest", 2, []byte(`{}`), []byte(`{}`), 0, nil, now, now))

	rules, err := repo.GetRules(context.Background(), policyID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, map[string]float64{vendor.String(): 2.5}, rules[0].Weights)
	assert.Equal(t, 2, rules[0].FanOut)
	assert.JSONEq(t, `{"region":"US"}`, string(rules[0].Criteria))
	assert.Nil(t, rules[1].Weights)
	assert.NoError(t, mock.ExpectationsWereMet())
}
