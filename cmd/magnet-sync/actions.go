package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"magnet-sync/internal/bootstrap"
	"magnet-sync/internal/domain"
	"magnet-sync/internal/format"
	"magnet-sync/internal/service"
	"magnet-sync/internal/session"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the downloads the backend knows about",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _, client := loadClient()
		snapshots, err := client.ListDownloads(cmd.Context())
		cobra.CheckErr(err)
		printDownloads(os.Stdout, bootstrap.Normalize(snapshots))
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <magnet link>",
	Short: "Show the files behind a magnet link",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := loadClient()
		svc := service.NewDownloadService(client, session.NewStore(), logger)
		info, err := svc.Analyze(cmd.Context(), args[0])
		cobra.CheckErr(err)
		printTorrentInfo(os.Stdout, info)
	},
}

var (
	addOutputDir  string
	addSelection  []int
	addSequential bool
)

var addCmd = &cobra.Command{
	Use:   "add <magnet link>",
	Short: "Start a download, all files unless --select is given",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := loadClient()
		svc := service.NewDownloadService(client, session.NewStore(), logger)

		info, err := svc.Analyze(cmd.Context(), args[0])
		cobra.CheckErr(err)

		selection := addSelection
		if len(selection) == 0 {
			for _, f := range info.Files {
				selection = append(selection, f.Index)
			}
		}

		rec, err := svc.Start(cmd.Context(), service.StartInput{
			MagnetLink:      args[0],
			OutputDir:       addOutputDir,
			SelectedIndices: selection,
			Sequential:      addSequential,
			Info:            &info,
		})
		cobra.CheckErr(err)
		fmt.Printf("started %s (%s, %s)\n", rec.ID, rec.TorrentName, format.Bytes(rec.TotalSize))
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := loadClient()
		svc := service.NewDownloadService(client, session.NewStore(), logger)
		cobra.CheckErr(svc.Pause(cmd.Context(), args[0]))
		fmt.Printf("paused %s\n", args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused download",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := loadClient()
		svc := service.NewDownloadService(client, session.NewStore(), logger)
		cobra.CheckErr(svc.Resume(cmd.Context(), args[0]))
		fmt.Printf("resumed %s\n", args[0])
	},
}

var rmDeleteFiles bool

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a download, optionally with its files",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		_, logger, client := loadClient()
		svc := service.NewDownloadService(client, session.NewStore(), logger)
		cobra.CheckErr(svc.Remove(cmd.Context(), args[0], rmDeleteFiles))
		fmt.Printf("removed %s\n", args[0])
	},
}

func init() {
	addCmd.Flags().StringVarP(&addOutputDir, "output-dir", "o", "", "directory the backend downloads into")
	addCmd.Flags().IntSliceVarP(&addSelection, "select", "s", nil, "file indices to download (see analyze)")
	addCmd.Flags().BoolVar(&addSequential, "sequential", false, "download pieces in order")
	_ = addCmd.MarkFlagRequired("output-dir")

	rmCmd.Flags().BoolVar(&rmDeleteFiles, "delete-files", false, "also delete downloaded data")

	rootCmd.AddCommand(lsCmd, analyzeCmd, addCmd, pauseCmd, resumeCmd, rmCmd)
}

func printDownloads(w io.Writer, records []domain.DownloadRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tSIZE\tSPEED\tETA\tNAME")
	for _, rec := range records {
		eta := "-"
		if rec.Status == domain.DownloadStatusDownloading {
			if rec.ETA != nil {
				eta = format.ETA(rec.ETA)
			} else {
				eta = format.ETA(format.CalculateETA(rec.Progress, rec.TotalSize, rec.DownloadSpeed))
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Status,
			format.Percent(rec.Progress),
			format.Bytes(rec.TotalSize),
			format.Speed(rec.Speed),
			eta,
			rec.TorrentName,
		)
	}
	tw.Flush()
}

func printTorrentInfo(w io.Writer, info domain.TorrentInfo) {
	fmt.Fprintf(w, "%s (%s)\n", info.Name, format.Bytes(info.TotalSize))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tSIZE\tPATH")
	for _, f := range info.Files {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", f.Index, format.Bytes(f.Size), f.Path)
	}
	tw.Flush()
}
