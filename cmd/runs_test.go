package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.ExtractionRun{
		{
			ID:        7,
			Kind:      model.KindStreets,
			AreaID:    3600062428,
			Status:    model.RunStatusComplete,
			StartedAt: now,
			Records:   1250,
			Duration:  95 * time.Second,
		},
		{
			ID:        8,
			Kind:      model.KindPostalcodes,
			AreaID:    42,
			Status:    model.RunStatusFailed,
			StartedAt: now.Add(time.Hour),
			Duration:  180 * time.Second,
			Error:     "overpass: empty result after 3m0s, server timeout 3m0s was likely exceeded",
		},
		{
			ID:        9,
			Kind:      model.KindPostalcodes,
			AreaID:    42,
			Status:    model.RunStatusRunning,
			StartedAt: now.Add(2 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	output := buf.String()

	assert.Contains(t, output, "KIND")
	assert.Contains(t, output, "3600062428")
	assert.Contains(t, output, "1250")
	assert.Contains(t, output, "1m35s")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "...")

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	require.Len(t, lines, 5)
	running := strings.Fields(lines[4])
	require.Len(t, running, 8)
	assert.Equal(t, "running", running[3])
	assert.Equal(t, "-", running[7])
}

func TestFormatRunsList_TruncatesErrorByRune(t *testing.T) {
	runs := []model.ExtractionRun{{
		ID:        1,
		Kind:      model.KindStreets,
		AreaID:    42,
		Status:    model.RunStatusFailed,
		StartedAt: time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC),
		Error:     "directory: record 3 of 5 (96450/" + strings.Repeat("Ä", 40) + "straße): disk full",
	}}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	output := buf.String()

	assert.True(t, utf8.ValidString(output))
	msg := output[strings.Index(output, "directory:"):]
	msg = strings.TrimRight(msg, "\n")
	assert.True(t, strings.HasSuffix(msg, "..."))
	assert.Equal(t, 60, utf8.RuneCountInString(msg))
}

func newRunsFilterCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "runs"}
	cmd.Flags().String("kind", "", "")
	cmd.Flags().Int64("area", 0, "")
	cmd.Flags().String("status", "", "")
	cmd.Flags().Int("limit", 20, "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestRunFilterFromFlags(t *testing.T) {
	cmd := newRunsFilterCmd(t, "--kind", "street", "--area", "42", "--status", "failed", "--limit", "5")

	filter, err := runFilterFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, store.RunFilter{
		Kind:   model.KindStreets,
		AreaID: 42,
		Status: model.RunStatusFailed,
		Limit:  5,
	}, filter)
}

func TestRunFilterFromFlags_UnknownKind(t *testing.T) {
	cmd := newRunsFilterCmd(t, "--kind", "rivers")
	_, err := runFilterFromFlags(cmd)
	assert.Error(t, err)
}
