package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"magnet-sync/internal/domain"
)

func TestPrintDownloads(t *testing.T) {
	var buf bytes.Buffer
	printDownloads(&buf, []domain.DownloadRecord{
		{ID: "abc", Status: domain.DownloadStatusDownloading, Progress: 50, TotalSize: 2048, Speed: 1024, DownloadSpeed: 1024, TorrentName: "bunny"},
		{ID: "def", Status: domain.DownloadStatusPaused, Progress: 10, TorrentName: "paused"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "STATUS")
	require.Contains(t, lines[1], "50.0%")
	require.Contains(t, lines[1], "2.0 KiB")
	require.Contains(t, lines[1], "1.0 KiB/s")
	require.Contains(t, lines[1], "1s left")
	require.Contains(t, lines[2], "paused")
	require.Contains(t, lines[2], " - ")
}

func TestPrintTorrentInfo(t *testing.T) {
	var buf bytes.Buffer
	printTorrentInfo(&buf, domain.TorrentInfo{
		Name:      "bunny",
		TotalSize: 3072,
		Files: []domain.TorrentFile{
			{Index: 0, Path: "bunny.mp4", Size: 2048},
			{Index: 1, Path: "subs/en.srt", Size: 1024},
		},
	})

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "bunny (3.0 KiB)\n"))
	require.Contains(t, out, "subs/en.srt")
}
