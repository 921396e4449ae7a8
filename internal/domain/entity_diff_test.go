package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntitySnapshotCanonicalText(t *testing.T) {
	ref := NewEntityRef(KindIssue, uuid.MustParse("123e4567-e89b-12d3-a456-426614174000"))
	snapshot := EntitySnapshot{
		Ref:     ref,
		Version: 1,
		Attributes: map[string]any{
			"subject": "base",
			"metadata": map[string]any{
				"color": "red",
				"size":  float64(10),
			},
		},
		Collections: map[string][]any{
			"tags":     {"alpha", "beta"},
			"watchers": {},
		},
	}

	lines, err := snapshot.CanonicalText()
	require.NoError(t, err)

	expected := []string{
		"Entity: issue:123e4567-e89b-12d3-a456-426614174000",
		"Version: 1",
		"Attributes:",
		"  metadata.color: \"red\"",
		"  metadata.size: 10",
		"  subject: \"base\"",
		"Collections:",
		"  tags[0]: \"alpha\"",
		"  tags[1]: \"beta\"",
		"  watchers: []",
	}
	assert.Equal(t, expected, lines)
}

func TestEntitySnapshotCanonicalTextEmpty(t *testing.T) {
	snapshot := EntitySnapshot{Ref: NewEntityRef(KindNews, uuid.New())}

	lines, err := snapshot.CanonicalText()
	require.NoError(t, err)
	assert.Equal(t, "  (empty)", lines[3])
	assert.Equal(t, "  (empty)", lines[5])
}

func TestDiffEntitySnapshots(t *testing.T) {
	ref := NewEntityRef(KindWikiPage, uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeffffffff"))

	base := EntitySnapshot{
		Ref:     ref,
		Version: 1,
		Attributes: map[string]any{
			"title":    "Base",
			"metadata": map[string]any{"color": "red"},
		},
	}

	target := EntitySnapshot{
		Ref:     ref,
		Version: 2,
		Attributes: map[string]any{
			"title":    "Target",
			"metadata": map[string]any{"color": "blue"},
			"count":    float64(2),
		},
	}

	diff, err := DiffEntitySnapshots("v1", &base, "v2", &target)
	require.NoError(t, err)
	require.NotEmpty(t, diff)

	assert.True(t, strings.HasPrefix(diff, "--- v1\n+++ v2\n"))
	assert.Contains(t, diff, "-  metadata.color: \"red\"")
	assert.Contains(t, diff, "+  metadata.color: \"blue\"")
	assert.Contains(t, diff, "+  count: 2")
	assert.Contains(t, diff, " Attributes:")
}

func TestDiffEntitySnapshotsAgainstNil(t *testing.T) {
	target := NewVersionedEntity(KindIssue, map[string]any{"status": "open"}).Snapshot()

	diff, err := DiffEntitySnapshots("none", nil, "current", &target)
	require.NoError(t, err)
	assert.NotContains(t, diff, "\n-")
	assert.Contains(t, diff, "+  status: \"open\"")
}
