// Package planstore resolves tenant concurrency ceilings and crawl records.
// Ceilings come from the billing plan tables in Postgres; crawl records are
// written by the API when a crawl is kicked off.
package planstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nareg23/firecrawl/internal/scrape"
)

// DefaultCeiling applies when a tenant has no plan row.
const DefaultCeiling = 2

// Store resolves tenant ceilings and crawl records.
type Store interface {
	// TenantCeiling returns the maximum simultaneously-active jobs for the
	// team in the given concurrency mode.
	TenantCeiling(ctx context.Context, teamID string, mode scrape.ConcurrencyMode) (int, error)

	// Crawl returns the crawl record, or nil when unknown.
	Crawl(ctx context.Context, crawlID string) (*scrape.Crawl, error)

	// SaveCrawl stores a crawl record at kickoff time.
	SaveCrawl(ctx context.Context, crawl *scrape.Crawl) error

	Close()
}

// ==================== MemoryStore ====================

// MemoryStore keeps everything in process. It backs tests and single-node
// runs without a plan database; unknown teams get the default ceiling.
type MemoryStore struct {
	mu             sync.RWMutex
	defaultCeiling int
	ceilings       map[string]map[scrape.ConcurrencyMode]int
	crawls         map[string]*scrape.Crawl
}

func NewMemory(defaultCeiling int) *MemoryStore {
	if defaultCeiling < 0 {
		defaultCeiling = DefaultCeiling
	}
	return &MemoryStore{
		defaultCeiling: defaultCeiling,
		ceilings:       make(map[string]map[scrape.ConcurrencyMode]int),
		crawls:         make(map[string]*scrape.Crawl),
	}
}

// SetCeiling pins a ceiling for a team and mode.
func (s *MemoryStore) SetCeiling(teamID string, mode scrape.ConcurrencyMode, ceiling int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ceilings[teamID] == nil {
		s.ceilings[teamID] = make(map[scrape.ConcurrencyMode]int)
	}
	s.ceilings[teamID][mode] = ceiling
}

func (s *MemoryStore) TenantCeiling(ctx context.Context, teamID string, mode scrape.ConcurrencyMode) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if modes, ok := s.ceilings[teamID]; ok {
		if ceiling, ok := modes[mode]; ok {
			return ceiling, nil
		}
	}
	return s.defaultCeiling, nil
}

func (s *MemoryStore) Crawl(ctx context.Context, crawlID string) (*scrape.Crawl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crawls[crawlID], nil
}

func (s *MemoryStore) SaveCrawl(ctx context.Context, crawl *scrape.Crawl) error {
	if crawl == nil || crawl.ID == "" {
		return fmt.Errorf("planstore: crawl id must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawls[crawl.ID] = crawl
	return nil
}

func (s *MemoryStore) Close() {}

// ==================== PGStore ====================

// PGStore reads plans from Postgres through a pgx pool, fronted by an
// expiring LRU cache so hot tenants do not hammer the database on every
// admission.
type PGStore struct {
	pool           *pgxpool.Pool
	logger         *slog.Logger
	defaultCeiling int

	ceilingCache *lru.LRU[string, int]
	crawlCache   *lru.LRU[string, *scrape.Crawl]
}

type PGConfig struct {
	DSN            string
	MaxConns       int
	MinConns       int
	ConnectTimeout time.Duration
	CacheSize      int
	CacheTTL       time.Duration
	DefaultCeiling int
}

func NewPG(ctx context.Context, cfg PGConfig, logger *slog.Logger) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("planstore: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("planstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("planstore: ping: %w", err)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ceiling := cfg.DefaultCeiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	return &PGStore{
		pool:           pool,
		logger:         logger,
		defaultCeiling: ceiling,
		ceilingCache:   lru.NewLRU[string, int](size, nil, ttl),
		crawlCache:     lru.NewLRU[string, *scrape.Crawl](size, nil, ttl),
	}, nil
}

func ceilingCacheKey(teamID string, mode scrape.ConcurrencyMode) string {
	return teamID + "|" + string(mode)
}

func (s *PGStore) TenantCeiling(ctx context.Context, teamID string, mode scrape.ConcurrencyMode) (int, error) {
	key := ceilingCacheKey(teamID, mode)
	if ceiling, ok := s.ceilingCache.Get(key); ok {
		return ceiling, nil
	}

	var column string
	switch mode {
	case scrape.ConcurrencyModeExtract:
		column = "concurrency_extract"
	case scrape.ConcurrencyModeExtractAgentPreview:
		column = "concurrency_extract_agent_preview"
	default:
		column = "concurrency_crawl"
	}

	var ceiling *int
	query := fmt.Sprintf(`SELECT %s FROM team_plans WHERE team_id = $1`, column)
	err := s.pool.QueryRow(ctx, query, teamID).Scan(&ceiling)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && ceiling == nil) {
		s.ceilingCache.Add(key, s.defaultCeiling)
		return s.defaultCeiling, nil
	}
	if err != nil {
		return 0, fmt.Errorf("planstore: tenant ceiling: %w", err)
	}

	s.ceilingCache.Add(key, *ceiling)
	return *ceiling, nil
}

func (s *PGStore) Crawl(ctx context.Context, crawlID string) (*scrape.Crawl, error) {
	if crawl, ok := s.crawlCache.Get(crawlID); ok {
		return crawl, nil
	}

	var (
		teamID     string
		maxConc    *int
		delayMS    *int64
		optionsRaw []byte
		createdAt  time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT team_id, max_concurrency, delay_ms, crawler_options, created_at
		   FROM crawls WHERE id = $1`, crawlID,
	).Scan(&teamID, &maxConc, &delayMS, &optionsRaw, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("planstore: crawl: %w", err)
	}

	crawl := &scrape.Crawl{
		ID:        crawlID,
		TeamID:    teamID,
		CreatedAt: createdAt,
	}
	if maxConc != nil {
		crawl.MaxConcurrency = *maxConc
	}
	if delayMS != nil {
		crawl.Delay = time.Duration(*delayMS) * time.Millisecond
	}
	if len(optionsRaw) > 0 {
		if err := json.Unmarshal(optionsRaw, &crawl.CrawlerOptions); err != nil {
			s.logger.Warn("unparsable crawler_options", "crawl_id", crawlID, "error", err)
		}
	}

	s.crawlCache.Add(crawlID, crawl)
	return crawl, nil
}

func (s *PGStore) SaveCrawl(ctx context.Context, crawl *scrape.Crawl) error {
	if crawl == nil || crawl.ID == "" {
		return fmt.Errorf("planstore: crawl id must not be empty")
	}

	var optionsRaw []byte
	if crawl.CrawlerOptions != nil {
		var err error
		optionsRaw, err = json.Marshal(crawl.CrawlerOptions)
		if err != nil {
			return fmt.Errorf("planstore: marshal crawler_options: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO crawls (id, team_id, max_concurrency, delay_ms, crawler_options, created_at)
		 VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0), $5, $6)
		 ON CONFLICT (id) DO UPDATE
		    SET max_concurrency = EXCLUDED.max_concurrency,
		        delay_ms        = EXCLUDED.delay_ms,
		        crawler_options = EXCLUDED.crawler_options`,
		crawl.ID, crawl.TeamID, crawl.MaxConcurrency, crawl.Delay.Milliseconds(), optionsRaw, crawl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("planstore: save crawl: %w", err)
	}

	s.crawlCache.Add(crawl.ID, crawl)
	return nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}
