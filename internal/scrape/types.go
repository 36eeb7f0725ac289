package scrape

import (
	"time"

	"github.com/google/uuid"
)

// Mode identifies how a job was submitted.
type Mode string

const (
	ModeSingleURLs  Mode = "single_urls"
	ModeCrawl       Mode = "crawl"
	ModeBatchScrape Mode = "batch_scrape"
	ModeKickoff     Mode = "kickoff"
)

// IsValid checks if the mode is one of the known submission modes
func (m Mode) IsValid() bool {
	switch m {
	case ModeSingleURLs, ModeCrawl, ModeBatchScrape, ModeKickoff:
		return true
	}
	return false
}

// ConcurrencyMode is the bucket a tenant ceiling is read for.
type ConcurrencyMode string

const (
	ConcurrencyModeCrawl               ConcurrencyMode = "crawl"
	ConcurrencyModeExtract             ConcurrencyMode = "extract"
	ConcurrencyModeExtractAgentPreview ConcurrencyMode = "extract-agent-preview"
)

// Options are the per-URL scrape options carried through to the worker.
// Unknown caller options survive round-trips in Extension.
type Options struct {
	Formats         []string          `json:"formats,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	OnlyMainContent bool              `json:"only_main_content,omitempty"`
	WaitForMS       int               `json:"wait_for_ms,omitempty"`
	Extension       map[string]any    `json:"extension,omitempty"`
}

// Job is the unit of admission.
type Job struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	// CrawlID groups jobs submitted as one crawl or batch scrape. Empty for ad-hoc jobs.
	CrawlID  string  `json:"crawl_id,omitempty"`
	Mode     Mode    `json:"mode"`
	Priority int     `json:"priority"`
	URL      string  `json:"url"`
	Options  Options `json:"options"`
	// Timeout bounds a single scrape attempt. Zero means the configured default.
	Timeout           time.Duration `json:"timeout,omitempty"`
	IsExtract         bool          `json:"is_extract,omitempty"`
	FromExtract       bool          `json:"from_extract,omitempty"`
	WasDeferred       bool          `json:"was_deferred,omitempty"`
	ZeroDataRetention bool          `json:"zero_data_retention,omitempty"`
	// DirectToQueue is the administrative override: skip admission checks
	// but still occupy a ledger slot.
	DirectToQueue bool      `json:"direct_to_queue,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewJobID generates a job id when the caller did not supply one.
func NewJobID() string {
	return uuid.New().String()
}

// ConcurrencyMode returns the ceiling bucket this job counts against.
func (j *Job) ConcurrencyMode() ConcurrencyMode {
	if j.IsExtract {
		if j.Options.Extension != nil {
			if v, ok := j.Options.Extension["agent_preview"].(bool); ok && v {
				return ConcurrencyModeExtractAgentPreview
			}
		}
		return ConcurrencyModeExtract
	}
	return ConcurrencyModeCrawl
}

// Document is a single scraped result document.
type Document struct {
	URL        string         `json:"url"`
	Markdown   string         `json:"markdown,omitempty"`
	HTML       string         `json:"html,omitempty"`
	RawHTML    string         `json:"raw_html,omitempty"`
	Links      []string       `json:"links,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Crawl is the stored record for a crawl or batch scrape.
type Crawl struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id"`
	// MaxConcurrency caps simultaneously-active jobs within the crawl. Zero means unset.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
	// Delay is the minimum interval between job starts. A non-zero delay
	// alone imposes a per-crawl ceiling of 1.
	Delay          time.Duration  `json:"delay,omitempty"`
	CrawlerOptions map[string]any `json:"crawler_options,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ConcurrencyLimit returns the per-crawl ceiling and whether one applies.
func (c *Crawl) ConcurrencyLimit() (int, bool) {
	if c == nil {
		return 0, false
	}
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency, true
	}
	if c.Delay > 0 {
		return 1, true
	}
	return 0, false
}

// Gated reports whether admitted jobs of this crawl must also hold a
// crawl-level ledger slot.
func (c *Crawl) Gated() bool {
	_, bounded := c.ConcurrencyLimit()
	return bounded
}
