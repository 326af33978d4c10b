package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatchApplyLeavesNilFieldsUntouched(t *testing.T) {
	rec := DownloadRecord{
		ID:          "abc",
		Status:      DownloadStatusPending,
		TorrentName: "ubuntu.iso",
		OutputDir:   "/data",
		TotalSize:   1000,
	}

	out := Patch{
		Status:   Ref(DownloadStatusDownloading),
		Progress: Ref(12.5),
	}.Apply(rec)

	require.Equal(t, DownloadStatusDownloading, out.Status)
	require.Equal(t, 12.5, out.Progress)
	require.Equal(t, "ubuntu.iso", out.TorrentName)
	require.Equal(t, "/data", out.OutputDir)
	require.Equal(t, int64(1000), out.TotalSize)
	require.Equal(t, DownloadStatusPending, rec.Status)
}

func TestRecordEqualComparesOptionalFields(t *testing.T) {
	a := DownloadRecord{ID: "x", ETA: Ref(int64(10)), SelectedIndices: []int{1, 2}}
	b := a.Clone()
	require.True(t, a.Equal(b))

	*b.ETA = 11
	require.False(t, a.Equal(b))

	c := a.Clone()
	c.SelectedIndices = []int{2, 1}
	require.False(t, a.Equal(c))

	d := a.Clone()
	d.ETA = nil
	require.False(t, a.Equal(d))
}

func TestCloneDoesNotShareSlices(t *testing.T) {
	a := DownloadRecord{ID: "x", SelectedIndices: []int{0, 1}}
	b := a.Clone()
	b.SelectedIndices[0] = 9
	require.Equal(t, 0, a.SelectedIndices[0])
}

func TestSelectedSize(t *testing.T) {
	info := TorrentInfo{Files: []TorrentFile{
		{Index: 0, Size: 100},
		{Index: 1, Size: 200},
		{Index: 2, Size: 400},
	}}
	require.Equal(t, int64(500), info.SelectedSize([]int{0, 2}))
	require.Zero(t, info.SelectedSize(nil))
}

func TestStatusHelpers(t *testing.T) {
	require.True(t, DownloadStatusPaused.Valid())
	require.False(t, DownloadStatus("downloaded").Valid())
	require.True(t, DownloadStatusPaused.Active())
	require.False(t, DownloadStatusPending.Active())
	require.False(t, DownloadStatusCompleted.Active())
}
