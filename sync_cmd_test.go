package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semindex/semindex/internal/reconcile"
	"github.com/semindex/semindex/internal/uploader"
)

func TestReportError(t *testing.T) {
	tests := []struct {
		name    string
		rep     uploader.Report
		wantErr error
	}{
		{"all indexed", uploader.Report{Indexed: 5}, nil},
		{"nothing to do", uploader.Report{}, nil},
		{"unchanged only", uploader.Report{Unchanged: 3}, nil},
		{"failures", uploader.Report{Indexed: 2, Failed: 1}, errBatchFailed},
		{"entirely skipped", uploader.Report{Skipped: 4}, errAllThrottled},
		{"partial skip is fine", uploader.Report{Indexed: 1, Skipped: 3}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reportError(&tt.rep)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRenderReportListsFailures(t *testing.T) {
	var sb strings.Builder

	renderReport(&sb, &uploader.Report{
		Indexed:       2,
		Failed:        1,
		Retried:       1,
		UploadedBytes: 3 * 1024,
		Failures: []uploader.FailedRecord{
			{Path: "docs/a.txt", Reason: "uploading raw: remote: server error"},
		},
	})

	out := sb.String()
	assert.Contains(t, out, "2 indexed")
	assert.Contains(t, out, "1 failed")
	assert.Contains(t, out, "1 retried")
	assert.Contains(t, out, "(3.0 KB)")
	assert.Contains(t, out, "docs/a.txt: uploading raw")
}

func TestRenderChanges(t *testing.T) {
	var sb strings.Builder

	renderChanges(&sb, &reconcile.Result{
		Changes: &reconcile.ChangeSet{
			New:          []string{"a.txt"},
			Modified:     []string{"b.txt", "c.txt"},
			Unchanged:    4,
			MtimeSkipped: 3,
		},
		OrphansCleared: 2,
	})

	out := sb.String()
	assert.Contains(t, out, "1 new")
	assert.Contains(t, out, "2 modified")
	assert.Contains(t, out, "7 unchanged (3 via mtime)")
	assert.Contains(t, out, "2 orphans cleared")
}

func TestRenderSyncOutputJSON(t *testing.T) {
	flagJSON = true
	defer func() { flagJSON = false }()

	var sb strings.Builder

	res := &reconcile.Result{Changes: &reconcile.ChangeSet{New: []string{"a.txt"}}}
	rep := &uploader.Report{Indexed: 1}

	require.NoError(t, renderSyncOutput(&sb, res, rep))

	out := sb.String()
	assert.Contains(t, out, `"reconcile"`)
	assert.Contains(t, out, `"upload"`)
	assert.Contains(t, out, `"indexed": 1`)
}
