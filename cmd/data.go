package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/repository"
)

var (
	useArchive  bool
	outputPath  string
	listArchive bool
	listLimit   int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print counters for the stored data",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		if err := a.load(); err != nil {
			return err
		}
		size, err := a.store.FileSize()
		if errors.Is(err, os.ErrNotExist) {
			size, err = 0, nil
		}
		if err != nil {
			return err
		}
		var meta *repository.ArchiveMeta
		if a.archive != nil {
			m, err := a.archive.Meta(cmd.Context(), cfg.Archive.Name)
			if err != nil {
				return err
			}
			meta = &m
		}
		_, err = io.WriteString(cmd.OutOrStdout(), formatStats(a.store.Path(), size, a.store.Stats(), meta, time.Now()))
		return err
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the data file as JSON to stdout, a file or the archive",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		if listArchive {
			if a.archive == nil {
				return errors.New("--list requires archive.table")
			}
			infos, err := a.archive.ListSnapshots(cmd.Context(), cfg.Archive.Name, listLimit)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), formatSnapshots(infos, time.Now()))
			return err
		}
		if err := a.load(); err != nil {
			return err
		}
		if useArchive {
			return a.archiveSnapshot(cmd.Context())
		}
		body, err := a.store.Export()
		if err != nil {
			return err
		}
		if outputPath == "" {
			_, err = cmd.OutOrStdout().Write(append(body, '\n'))
			return err
		}
		if err := os.WriteFile(outputPath, body, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", outputPath, err)
		}
		logger.Info("data exported", zap.String("path", outputPath), zap.Int("bytes", len(body)))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Replace the stored data with an exported document",
	Long: `Replaces the data file with an exported document read from a file,
from stdin when the file is "-", or from the newest archive snapshot
with --archive.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}

		var body []byte
		switch {
		case useArchive:
			if a.archive == nil {
				return errors.New("--archive requires archive.table")
			}
			snap, err := a.archive.LatestSnapshot(cmd.Context(), cfg.Archive.Name)
			if err != nil {
				return err
			}
			logger.Info("restoring snapshot", zap.Time("taken_at", snap.TakenAt), zap.Int("size", snap.Size))
			body = snap.Body
		case len(args) == 0:
			return errors.New("import needs a file argument or --archive")
		case args[0] == "-":
			body, err = io.ReadAll(cmd.InOrStdin())
		default:
			body, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		if err := a.store.Import(body); err != nil {
			return err
		}
		s := a.store.Stats()
		logger.Info("data imported",
			zap.Int("conversations", s.Conversations),
			zap.Int("reminders", s.PendingReminders+s.SentReminders),
			zap.Int("feedback", s.FeedbackEntries),
		)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Load the data file, apply migrations and write it back",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		if err := a.load(); err != nil {
			return err
		}
		if err := a.store.Save(); err != nil {
			return err
		}
		logger.Info("migration complete", zap.String("path", a.store.Path()))
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&useArchive, "archive", false, "write a snapshot to the archive table instead")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write to this file instead of stdout")
	exportCmd.Flags().BoolVar(&listArchive, "list", false, "list the newest archive snapshots instead of exporting")
	exportCmd.Flags().IntVar(&listLimit, "limit", 10, "number of snapshots shown by --list")
	importCmd.Flags().BoolVar(&useArchive, "archive", false, "restore the newest snapshot from the archive table")
}

// formatStats renders the stats report. archive is nil when no archive
// table is configured.
func formatStats(path string, size int64, s domain.Stats, archive *repository.ArchiveMeta, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "data file:         %s (%s)\n", path, humanize.Bytes(uint64(size)))
	fmt.Fprintf(&b, "conversations:     %s\n", humanize.Comma(int64(s.Conversations)))
	fmt.Fprintf(&b, "messages:          %s\n", humanize.Comma(int64(s.TotalMessages)))
	fmt.Fprintf(&b, "control records:   %s\n", humanize.Comma(int64(s.ButtonMessages)))
	fmt.Fprintf(&b, "reminders pending: %s\n", humanize.Comma(int64(s.PendingReminders)))
	fmt.Fprintf(&b, "reminders sent:    %s\n", humanize.Comma(int64(s.SentReminders)))
	fmt.Fprintf(&b, "feedback entries:  %s\n", humanize.Comma(int64(s.FeedbackEntries)))
	updated := "never"
	if !s.LastUpdated.IsZero() {
		updated = humanize.RelTime(s.LastUpdated, now, "ago", "from now")
	}
	fmt.Fprintf(&b, "last updated:      %s\n", updated)
	if archive != nil {
		latest := "never"
		if !archive.Latest.IsZero() {
			latest = humanize.RelTime(archive.Latest, now, "ago", "from now")
		}
		fmt.Fprintf(&b, "archive snapshots: %s, latest %s\n", humanize.Comma(int64(archive.Count)), latest)
	}
	return b.String()
}

func formatSnapshots(infos []repository.SnapshotInfo, now time.Time) string {
	if len(infos) == 0 {
		return "no snapshots archived\n"
	}
	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "%s  %8s  %s\n", info.TakenAt.UTC().Format(time.RFC3339),
			humanize.Bytes(uint64(info.Size)), humanize.RelTime(info.TakenAt, now, "ago", "from now"))
	}
	return b.String()
}
