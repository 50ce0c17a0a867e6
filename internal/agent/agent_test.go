package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/awsagent/internal/filter"
	"github.com/yairfalse/awsagent/internal/plugin"
	"github.com/yairfalse/awsagent/internal/reconciler"
	"github.com/yairfalse/awsagent/internal/registry"
	"github.com/yairfalse/awsagent/pkg/entity"
)

var testScope = entity.Scope{Account: "aws:1234", Region: "eu-central-1"}

// MockDiscovery serves fixed scanner results.
type MockDiscovery struct {
	scanners []plugin.Scanner
	alias     string
	aliasErr  error
	quotas    entity.LimitsAttrs
	quotasErr error
	quotaRead bool
}

func (m *MockDiscovery) Scope() entity.Scope                         { return testScope }
func (m *MockDiscovery) Scanners() []plugin.Scanner                  { return m.scanners }
func (m *MockDiscovery) AccountAlias(context.Context) (string, error) { return m.alias, m.aliasErr }

func (m *MockDiscovery) AccountQuotas(context.Context) (entity.LimitsAttrs, error) {
	m.quotaRead = true
	return m.quotas, m.quotasErr
}

func staticScanner(kind entity.Kind, entities ...entity.Entity) plugin.Scanner {
	return plugin.Func{K: kind, Fn: func(context.Context) ([]entity.Entity, error) { return entities, nil }}
}

func failingScanner(kind entity.Kind, err error) plugin.Scanner {
	return plugin.Func{K: kind, Fn: func(context.Context) ([]entity.Entity, error) { return nil, err }}
}

// MockRegistry matches filters on top-level string fields.
type MockRegistry struct {
	mu      sync.Mutex
	records map[string]entity.Entity
}

func NewMockRegistry(t *testing.T, seed ...entity.Entity) *MockRegistry {
	t.Helper()
	m := &MockRegistry{records: make(map[string]entity.Entity)}
	for _, e := range seed {
		require.NoError(t, m.Put(context.Background(), e))
	}
	return m
}

func (m *MockRegistry) Query(_ context.Context, filter registry.Filter) ([]entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Entity
	for _, e := range m.records {
		fields, err := e.Fields()
		if err != nil {
			return nil, err
		}
		match := true
		for k, v := range filter {
			if s, _ := fields[k].(string); s != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockRegistry) Put(_ context.Context, e entity.Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var stored entity.Entity
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[e.ID] = stored
	return nil
}

func (m *MockRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MockRegistry) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MockRegistry) Get(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	if !ok {
		return nil, false
	}
	fields, _ := e.Fields()
	return fields, true
}

// MockLister returns fixed databases per host.
type MockLister struct {
	databases map[string][]string
}

func (m *MockLister) ListDatabases(_ context.Context, host string, _ int) ([]string, error) {
	dbs, ok := m.databases[host]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return dbs, nil
}

type failingReconciler struct{}

func (failingReconciler) Reconcile(context.Context, reconciler.Request) (*reconciler.Report, error) {
	return nil, errors.New("registry unavailable")
}

func instance(id, app string) entity.Entity {
	return entity.New(testScope, id, entity.InstanceAttrs{IP: "10.0.0.1", ApplicationID: app})
}

func newAgent(disc Discovery, reg *MockRegistry, options Options) *Agent {
	engine := reconciler.NewEngine(reg, reconciler.Options{}, zerolog.Nop())
	return New(disc, reg, engine, options, zerolog.Nop())
}

const (
	markerID = "aws-ac[aws:1234:eu-central-1]"
	limitsID = "aws-limits[aws:1234:eu-central-1]"
	shopID   = "a-shop[aws:1234:eu-central-1]"
)

func TestRun_FullPass(t *testing.T) {
	stale := entity.New(testScope, "stale-queue", entity.QueueAttrs{Name: "old"})
	reg := NewMockRegistry(t, stale)

	disc := &MockDiscovery{
		alias: "my-account",
		scanners: []plugin.Scanner{
			staticScanner(entity.KindInstance, instance("i-1", "shop"), instance("i-2", "shop")),
			staticScanner(entity.KindLoadBalancer, entity.New(testScope, "elb-web", entity.LoadBalancerAttrs{Name: "web"})),
			staticScanner(entity.KindQueue),
		},
	}

	result, err := newAgent(disc, reg, Options{Extra: map[string]string{"team": "platform"}}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeSuccess, result.Report.Outcome())
	assert.Equal(t, []string{"stale-queue"}, result.Report.Deleted)
	assert.Len(t, result.Desired, 6)
	assert.Equal(t, []string{shopID, markerID, limitsID, "elb-web", "i-1", "i-2"}, reg.IDs())

	marker, ok := reg.Get(markerID)
	require.True(t, ok)
	assert.Equal(t, "my-account", marker["account_alias"])

	for _, id := range reg.IDs() {
		fields, _ := reg.Get(id)
		assert.Equal(t, "platform", fields["team"], id)
	}
}

func TestRun_FailedScanFreezesKind(t *testing.T) {
	reg := NewMockRegistry(t,
		instance("i-old", "shop"),
		entity.Applications([]entity.Entity{instance("i-old", "shop")}, testScope)[0],
		entity.New(testScope, "q-old", entity.QueueAttrs{}),
	)
	disc := &MockDiscovery{
		scanners: []plugin.Scanner{
			failingScanner(entity.KindInstance, errors.New("throttled")),
			staticScanner(entity.KindQueue),
		},
	}

	result, err := newAgent(disc, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomePartial, result.Report.Outcome())
	assert.ErrorContains(t, result.Report.Err(), "throttled")
	assert.Equal(t, []string{"q-old"}, result.Report.Deleted)
	assert.Equal(t, []string{shopID, markerID, "i-old"}, reg.IDs())
}

func TestRun_DisabledKindKept(t *testing.T) {
	reg := NewMockRegistry(t, entity.New(testScope, "q-old", entity.QueueAttrs{}))
	disc := &MockDiscovery{
		scanners: []plugin.Scanner{
			failingScanner(entity.KindQueue, errors.New("must not run")),
			staticScanner(entity.KindInstance),
		},
	}

	result, err := newAgent(disc, reg, Options{Filter: filter.New([]string{"aws_sqs"})}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeSuccess, result.Report.Outcome())
	assert.Empty(t, result.Report.Deleted)
	assert.Contains(t, reg.IDs(), "q-old")
	for _, r := range result.Scans {
		assert.NotEqual(t, entity.KindQueue, r.Kind)
	}
}

func TestRun_PostgresWithoutCredentialsKeepsDatabases(t *testing.T) {
	db := entity.New(testScope, "orders-pg.example.org", entity.PostgresDatabaseAttrs{DatabaseName: "orders"})
	reg := NewMockRegistry(t, db)

	result, err := newAgent(&MockDiscovery{}, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeSuccess, result.Report.Outcome())
	assert.Contains(t, reg.IDs(), db.ID)
}

func TestRun_PostgresDatabasesDiscovered(t *testing.T) {
	cluster := entity.Entity{
		Header: entity.Header{
			ID:                    "pg-cluster[aws:1234:eu-central-1]",
			Type:                  entity.KindPostgresCluster,
			CreatedBy:             "postgres-operator",
			InfrastructureAccount: testScope.Account,
			Region:                testScope.Region,
		},
		Attrs: entity.Opaque{Type: entity.KindPostgresCluster, Fields: map[string]any{"dnsname": "pg.example.org"}},
	}
	stale := entity.New(testScope, "gone-pg.example.org", entity.PostgresDatabaseAttrs{DatabaseName: "gone"})
	reg := NewMockRegistry(t, cluster, stale)
	lister := &MockLister{databases: map[string][]string{"pg.example.org": {"orders"}}}

	result, err := newAgent(&MockDiscovery{}, reg, Options{Postgres: lister}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeSuccess, result.Report.Outcome())
	assert.Equal(t, []string{stale.ID}, result.Report.Deleted)
	assert.Contains(t, reg.IDs(), cluster.ID)

	var dbs []entity.Entity
	for _, e := range result.Desired {
		if e.Type == entity.KindPostgresDatabase {
			dbs = append(dbs, e)
		}
	}
	require.Len(t, dbs, 1)
	assert.Equal(t, "orders", dbs[0].Attrs.(entity.PostgresDatabaseAttrs).DatabaseName)
}

func TestRun_AliasFailureIsPartial(t *testing.T) {
	reg := NewMockRegistry(t, entity.AccountMarker(testScope, "old-alias"))
	disc := &MockDiscovery{aliasErr: errors.New("access denied")}

	result, err := newAgent(disc, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomePartial, result.Report.Outcome())
	assert.Equal(t, []string{markerID, limitsID}, reg.IDs())

	fields, ok := reg.Get(markerID)
	require.True(t, ok)
	assert.Equal(t, "old-alias", fields["account_alias"])
}

func TestRun_AliasFailureWithoutRegisteredAlias(t *testing.T) {
	reg := NewMockRegistry(t)
	disc := &MockDiscovery{aliasErr: errors.New("access denied")}

	_, err := newAgent(disc, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	fields, ok := reg.Get(markerID)
	require.True(t, ok)
	assert.NotContains(t, fields, "account_alias")
}

func TestRun_DuplicateIDsKeepFirst(t *testing.T) {
	reg := NewMockRegistry(t)
	disc := &MockDiscovery{
		scanners: []plugin.Scanner{
			staticScanner(entity.KindDynamoDB,
				entity.New(testScope, "dynamodb-t", entity.DynamoDBAttrs{Name: "first"}),
				entity.New(testScope, "dynamodb-t", entity.DynamoDBAttrs{Name: "second"}),
			),
		},
	}

	result, err := newAgent(disc, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	assert.Len(t, result.Desired, 3)
	fields, ok := reg.Get("dynamodb-t")
	require.True(t, ok)
	assert.Equal(t, "first", fields["name"])
}

func TestRun_AccountLimitsWritten(t *testing.T) {
	reg := NewMockRegistry(t)
	disc := &MockDiscovery{
		quotas: entity.LimitsAttrs{"ec2-max-instances": 50, "asg-max-groups": 200},
		scanners: []plugin.Scanner{
			staticScanner(entity.KindInstance, instance("i-1", "shop"), instance("i-2", "")),
			staticScanner(entity.KindLoadBalancer, entity.New(testScope, "elb-web", entity.LoadBalancerAttrs{Name: "web"})),
		},
	}

	result, err := newAgent(disc, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeSuccess, result.Report.Outcome())

	fields, ok := reg.Get(limitsID)
	require.True(t, ok)
	assert.Equal(t, "aws_limits", fields["type"])
	assert.Equal(t, float64(50), fields["ec2-max-instances"])
	assert.Equal(t, float64(50), fields["ec2-max-spot-instances"])
	assert.Equal(t, float64(2), fields["ec2-used-instances"])
	assert.Equal(t, float64(1), fields["elb-used-count"])
	assert.Equal(t, float64(200), fields["asg-max-groups"])
}

func TestRun_AccountLimitsFrozenOnQuotaError(t *testing.T) {
	old := entity.Limits(testScope, entity.LimitsAttrs{"asg-max-groups": 100}, nil)
	reg := NewMockRegistry(t, old)
	disc := &MockDiscovery{quotasErr: errors.New("access denied")}

	result, err := newAgent(disc, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomePartial, result.Report.Outcome())
	assert.ErrorContains(t, result.Report.Err(), "access denied")
	assert.Empty(t, result.Report.Deleted)

	fields, ok := reg.Get(limitsID)
	require.True(t, ok)
	assert.Equal(t, float64(100), fields["asg-max-groups"])
}

func TestRun_AccountLimitsFrozenWhenCountsIncomplete(t *testing.T) {
	old := entity.Limits(testScope, nil, nil)
	reg := NewMockRegistry(t, old)
	disc := &MockDiscovery{
		scanners: []plugin.Scanner{
			staticScanner(entity.KindInstance),
			failingScanner(entity.KindLoadBalancer, errors.New("throttled")),
		},
	}

	result, err := newAgent(disc, reg, Options{}).Run(context.Background())

	require.NoError(t, err)
	assert.False(t, disc.quotaRead)
	assert.NotContains(t, result.Report.Deleted, limitsID)
	assert.Contains(t, reg.IDs(), limitsID)
}

func TestRun_AccountLimitsDisabled(t *testing.T) {
	old := entity.Limits(testScope, nil, nil)
	reg := NewMockRegistry(t, old)
	disc := &MockDiscovery{}

	result, err := newAgent(disc, reg, Options{Filter: filter.New([]string{"aws_limits"})}).Run(context.Background())

	require.NoError(t, err)
	assert.False(t, disc.quotaRead)
	assert.Equal(t, reconciler.OutcomeSuccess, result.Report.Outcome())
	assert.Contains(t, reg.IDs(), limitsID)
}

func TestRun_ReconcileErrorAborts(t *testing.T) {
	reg := NewMockRegistry(t)
	a := New(&MockDiscovery{}, reg, failingReconciler{}, Options{}, zerolog.Nop())

	result, err := a.Run(context.Background())

	assert.Nil(t, result)
	assert.ErrorContains(t, err, "registry unavailable")
}

func TestPropagateFrozen(t *testing.T) {
	assert.Equal(t,
		[]entity.Kind{entity.KindInstance, entity.KindApplication},
		propagateFrozen([]entity.Kind{entity.KindInstance}))
	assert.Equal(t,
		[]entity.Kind{entity.KindQueue},
		propagateFrozen([]entity.Kind{entity.KindQueue}))
}

type scanRecord struct {
	kind   string
	count  int
	failed bool
}

type MockScanRecorder struct {
	mu      sync.Mutex
	records []scanRecord
}

func (m *MockScanRecorder) RecordScan(_ context.Context, _, kind string, _ time.Duration, count int, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, scanRecord{kind: kind, count: count, failed: failed})
}

func TestRun_RecordsScans(t *testing.T) {
	reg := NewMockRegistry(t)
	rec := &MockScanRecorder{}
	disc := &MockDiscovery{
		scanners: []plugin.Scanner{
			staticScanner(entity.KindQueue, entity.New(testScope, "q", entity.QueueAttrs{})),
			failingScanner(entity.KindLoadBalancer, errors.New("denied")),
		},
	}

	_, err := newAgent(disc, reg, Options{Scans: rec}).Run(context.Background())

	require.NoError(t, err)
	assert.ElementsMatch(t, []scanRecord{
		{kind: "aws_sqs", count: 1},
		{kind: "elb", failed: true},
	}, rec.records)
}
