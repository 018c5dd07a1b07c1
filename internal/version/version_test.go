package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_LdflagsWin(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, GitCommit, BuildDate
	t.Cleanup(func() { Version, GitCommit, BuildDate = oldVersion, oldCommit, oldDate })

	Version, GitCommit, BuildDate = "1.2.3", "abc123", "2026-01-02"
	info := Get()

	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.Equal(t, "2026-01-02", info.BuildDate)
	assert.Contains(t, info.String(), "1.2.3 (commit abc123, built 2026-01-02")
}

func TestGet_NeverEmpty(t *testing.T) {
	oldCommit, oldDate := GitCommit, BuildDate
	t.Cleanup(func() { GitCommit, BuildDate = oldCommit, oldDate })

	GitCommit, BuildDate = "", ""
	info := Get()

	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildDate)
	assert.NotEmpty(t, info.GoVersion)
}
