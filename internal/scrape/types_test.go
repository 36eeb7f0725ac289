package scrape

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawl_ConcurrencyLimit(t *testing.T) {
	var nilCrawl *Crawl
	_, bounded := nilCrawl.ConcurrencyLimit()
	assert.False(t, bounded)

	limit, bounded := (&Crawl{MaxConcurrency: 5}).ConcurrencyLimit()
	assert.True(t, bounded)
	assert.Equal(t, 5, limit)

	// A delay alone imposes a ceiling of 1.
	limit, bounded = (&Crawl{Delay: 5 * time.Second}).ConcurrencyLimit()
	assert.True(t, bounded)
	assert.Equal(t, 1, limit)

	// max_concurrency wins over the delay-implied ceiling.
	limit, bounded = (&Crawl{MaxConcurrency: 3, Delay: time.Second}).ConcurrencyLimit()
	assert.True(t, bounded)
	assert.Equal(t, 3, limit)

	_, bounded = (&Crawl{}).ConcurrencyLimit()
	assert.False(t, bounded)
}

func TestJob_ConcurrencyMode(t *testing.T) {
	assert.Equal(t, ConcurrencyModeCrawl, (&Job{Mode: ModeSingleURLs}).ConcurrencyMode())
	assert.Equal(t, ConcurrencyModeExtract, (&Job{IsExtract: true}).ConcurrencyMode())
	assert.Equal(t, ConcurrencyModeExtractAgentPreview, (&Job{
		IsExtract: true,
		Options:   Options{Extension: map[string]any{"agent_preview": true}},
	}).ConcurrencyMode())
}

func TestJob_UnknownOptionsSurviveRoundTrip(t *testing.T) {
	job := &Job{
		ID:     NewJobID(),
		TeamID: "team-1",
		Mode:   ModeSingleURLs,
		URL:    "https://example.com",
		Options: Options{
			Formats:   []string{"markdown"},
			Extension: map[string]any{"mobile": true, "proxy_tier": "stealth"},
		},
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, true, decoded.Options.Extension["mobile"])
	assert.Equal(t, "stealth", decoded.Options.Extension["proxy_tier"])
}

func TestMode_IsValid(t *testing.T) {
	assert.True(t, ModeSingleURLs.IsValid())
	assert.True(t, ModeCrawl.IsValid())
	assert.False(t, Mode("made_up").IsValid())
}
