// Package debugmgr implements the optional, reference-counted debug
// manager a CoreContext may attach: a gRPC health endpoint reporting one
// overall serving status (not one per CoreContext), an optional Redis pub/sub fan-out of
// collect-callback events to attached debugger sessions, and an optional
// Postgres audit sink recording GC-cycle and redeferral decisions.
//
// # Design rationale
//
// None of the three attachments carries CoreContext state of its own —
// the core stays in-memory only; the debug manager only observes events
// the core already produces and republishes them externally. This mirrors
// the teacher's UnifiedServer composing independently-optional collaborators
// (data plane, control plane, health) behind one lifecycle object, here
// generalized to "health endpoint + pub/sub fan-out + audit sink" behind
// one refcounted attach/detach.
//
// # Concurrency model
//
// The refCount field is sync/atomic so multiple goroutines embedding a CoreContext
// in a shared host (e.g. many-instances mode) can attach/detach
// concurrently; the gRPC server, Redis publisher, and Postgres pool each
// manage their own internal concurrency.
package debugmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oriys/corevm/internal/logging"
)

// Event is one debug-manager notification, fanned out over Redis and
// persisted to the audit sink. Kind is one of "collect", "redeferral".
type Event struct {
	CoreID    int64     `json:"core_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes the debug manager's optional attachments. Empty RedisAddr or
// PostgresDSN disables the corresponding attachment.
type Config struct {
	GRPCAddr        string
	RedisAddr       string
	RedisChannel    string
	PostgresDSN     string
	AuditFlushEvery time.Duration
}

// Manager is the process-wide debug collaborator, attached/detached by
// reference count from one or more CoreContexts.
type Manager struct {
	cfg Config

	refCount atomic.Int32

	grpcServer   *grpc.Server
	healthServer *health.Server
	listener     net.Listener

	redisClient  *goredis.Client
	redisChannel string

	auditMu    sync.Mutex
	auditQueue []Event
	auditPool  *pgxpool.Pool
	stopAudit  chan struct{}
	auditDone  chan struct{}
}

// New constructs a Manager from cfg but does not yet start any attachment;
// call Start to bring up the gRPC server, Redis client, and audit sink.
func New(cfg Config) *Manager {
	if cfg.AuditFlushEvery <= 0 {
		cfg.AuditFlushEvery = 5 * time.Second
	}
	return &Manager{cfg: cfg, healthServer: health.NewServer()}
}

// Start brings up the configured attachments. Safe to call once.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.GRPCAddr != "" {
		if err := m.startGRPC(); err != nil {
			return fmt.Errorf("debugmgr: start grpc: %w", err)
		}
	}

	if m.cfg.RedisAddr != "" {
		m.redisClient = goredis.NewClient(&goredis.Options{Addr: m.cfg.RedisAddr})
		m.redisChannel = m.cfg.RedisChannel
		if m.redisChannel == "" {
			m.redisChannel = "corevm:debug:events"
		}
	}

	if m.cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, m.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("debugmgr: connect postgres audit sink: %w", err)
		}
		if err := m.ensureSchema(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("debugmgr: ensure audit schema: %w", err)
		}
		m.auditPool = pool
		m.stopAudit = make(chan struct{})
		m.auditDone = make(chan struct{})
		go m.runAuditFlusher()
	}

	return nil
}

func (m *Manager) startGRPC() error {
	lis, err := net.Listen("tcp", m.cfg.GRPCAddr)
	if err != nil {
		return err
	}
	m.listener = lis
	m.grpcServer = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(m.grpcServer, m.healthServer)
	m.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		if err := m.grpcServer.Serve(lis); err != nil {
			logging.Op().Warn("debugmgr.grpc_serve_exited", "error", err.Error())
		}
	}()

	logging.Op().Info("debugmgr.grpc_started", "addr", m.cfg.GRPCAddr)
	return nil
}

func (m *Manager) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS debug_events (
		id BIGSERIAL PRIMARY KEY,
		core_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`)
	return err
}

// Attach increments the reference count. A host calls this once per
// CoreContext that wants debug-manager services.
func (m *Manager) Attach() int32 {
	return m.refCount.Add(1)
}

// Detach decrements the reference count, shutting the manager down once it
// reaches zero. Returns the count after decrement.
func (m *Manager) Detach() int32 {
	n := m.refCount.Add(-1)
	if n <= 0 {
		m.Stop()
	}
	return n
}

// RefCount reports the current attach count.
func (m *Manager) RefCount() int32 { return m.refCount.Load() }

// Notify records an event: fanned out over Redis immediately if configured,
// and queued for the audit sink if configured. CoreContext calls it on its
// own thread at the begin and end of ExecuteRecyclerCollection and after
// the post-collect redeferral step; Notify itself never blocks on the
// network beyond a best-effort publish.
func (m *Manager) Notify(ev Event) {
	if m.redisClient != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			logging.Op().Warn("debugmgr.marshal_event_failed", "error", err.Error())
		} else if err := m.redisClient.Publish(context.Background(), m.redisChannel, payload).Err(); err != nil {
			logging.Op().Warn("debugmgr.publish_event_failed", "error", err.Error())
		}
	}

	if m.auditPool != nil {
		m.auditMu.Lock()
		m.auditQueue = append(m.auditQueue, ev)
		m.auditMu.Unlock()
	}
}

func (m *Manager) runAuditFlusher() {
	defer close(m.auditDone)
	ticker := time.NewTicker(m.cfg.AuditFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopAudit:
			m.flushAudit()
			return
		case <-ticker.C:
			m.flushAudit()
		}
	}
}

func (m *Manager) flushAudit() {
	m.auditMu.Lock()
	batch := m.auditQueue
	m.auditQueue = nil
	m.auditMu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, ev := range batch {
		_, err := m.auditPool.Exec(ctx,
			`INSERT INTO debug_events (core_id, kind, detail, occurred_at) VALUES ($1, $2, $3, $4)`,
			ev.CoreID, ev.Kind, ev.Detail, ev.Timestamp)
		if err != nil {
			logging.Op().Warn("debugmgr.audit_insert_failed", "error", err.Error())
		}
	}
}

// Stop tears down every started attachment. Idempotent.
func (m *Manager) Stop() {
	if m.grpcServer != nil {
		m.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		m.grpcServer.GracefulStop()
		m.grpcServer = nil
	}
	if m.redisClient != nil {
		_ = m.redisClient.Close()
		m.redisClient = nil
	}
	if m.auditPool != nil {
		close(m.stopAudit)
		<-m.auditDone
		m.auditPool.Close()
		m.auditPool = nil
	}
}
