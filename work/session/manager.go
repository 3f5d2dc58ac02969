package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"hls-engine/work/cache"
	"hls-engine/work/client"
	"hls-engine/work/config"
	"hls-engine/work/logger"
	"hls-engine/work/metrics"
	"hls-engine/work/player"
	"hls-engine/work/types"
)

// Manager owns every live session of a process together with the resources
// they share: the HTTP client, the AES key cache and the download helper pool.
// Sessions are created through the manager so the shared pieces are wired
// consistently and torn down once.
//
// Key responsibilities include:
//   - Bounding the number of concurrent sessions (MaxSessions)
//   - Sizing the shared helper pool (WorkerThreads)
//   - Looking sessions up by id for the status API
//   - Joining every session goroutine on Shutdown
type Manager struct {
	cfg      *config.Config
	log      *logger.Logger
	client   *client.HeaderSettingClient
	keys     *cache.KeyCache
	pool     *ants.Pool
	sessions *xsync.MapOf[string, *Session] // session id -> *Session

	createMu sync.Mutex
}

// NewManager builds the shared resources described by cfg.
//
// Parameters:
//   - cfg: engine configuration, config.Default() when nil
//   - log: base logger, logger.Default() when nil
//
// Returns:
//   - *Manager: ready to create sessions
//   - error: ErrMemory when the helper pool cannot be allocated
func NewManager(cfg *config.Config, log *logger.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	threads := cfg.WorkerThreads
	if threads <= 0 {
		threads = 1
	}
	pool, err := ants.NewPool(threads, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("helper pool of %d: %v: %w", threads, err, types.ErrMemory)
	}

	return &Manager{
		cfg:      cfg,
		log:      log,
		client:   client.NewHeaderSettingClient(cfg),
		keys:     cache.NewKeyCache(cfg.KeyCacheSize, cfg.KeyCacheTTL),
		pool:     pool,
		sessions: xsync.NewMapOf[string, *Session](),
	}, nil
}

// Create registers a new session in StateInitialized that pushes to p.
//
// Parameters:
//   - p: the player receiving this session's buffers and events
//
// Returns:
//   - *Session: the new session, already stored under its id
//   - error: ErrState when MaxSessions sessions are already open
func (m *Manager) Create(p player.Player) (*Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if limit := m.cfg.MaxSessions; limit > 0 && m.sessions.Size() >= limit {
		return nil, fmt.Errorf("session limit %d reached: %w", limit, types.ErrState)
	}

	s, err := New(Options{
		ID:     uuid.NewString(),
		Config: m.cfg,
		Player: p,
		Client: m.client,
		Pool:   m.pool,
		Keys:   m.keys,
		Logger: m.log,
	})
	if err != nil {
		return nil, err
	}
	m.sessions.Store(s.ID(), s)
	metrics.ActiveSessions.Set(float64(m.sessions.Size()))
	m.log.Info("{session/manager - Create} session %s created (%d open)", s.ID(), m.sessions.Size())
	return s, nil
}

// Get returns the session stored under id.
func (m *Manager) Get(id string) (*Session, bool) {
	return m.sessions.Load(id)
}

// Close closes the session stored under id and forgets it.
//
// Returns:
//   - error: ErrInvalidParameter for an unknown id
func (m *Manager) Close(id string) error {
	s, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, types.ErrInvalidParameter)
	}
	metrics.ActiveSessions.Set(float64(m.sessions.Size()))
	return s.Close()
}

// Range calls fn for every open session until fn returns false.
func (m *Manager) Range(fn func(id string, s *Session) bool) {
	m.sessions.Range(fn)
}

// Len is the number of open sessions.
func (m *Manager) Len() int {
	return m.sessions.Size()
}

// CloseAll closes every open session concurrently and waits for all of them.
func (m *Manager) CloseAll() {
	var wg sync.WaitGroup
	m.sessions.Range(func(id string, s *Session) bool {
		m.sessions.Delete(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
		return true
	})
	wg.Wait()
	metrics.ActiveSessions.Set(0)
}

// Shutdown closes every session and releases the helper pool. The manager
// must not be used afterwards.
func (m *Manager) Shutdown() {
	m.CloseAll()
	m.pool.Release()
	m.log.Info("{session/manager - Shutdown} all sessions closed")
}
