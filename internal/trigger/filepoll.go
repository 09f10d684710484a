package trigger

import (
	"context"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"autoforge/internal/model"
)

// FilePollSource pulls the remote on a fixed interval and publishes one
// trigger per unconsumed instruction file in the inbox directory. The
// instruction file itself is the queue entry; the pipeline deletes it in the
// commit that carries the change, so a file seen again on the next scan is
// either unprocessed or a retry after a failed run.
type FilePollSource struct {
	Sync           treeSyncer
	WorkPath       string
	InboxDir       string
	InstructionExt string
	Interval       time.Duration
	Bus            Publisher
	Busy           func() bool
	Logger         *log.Logger
}

type treeSyncer interface {
	Sync(ctx context.Context) error
}

func (s *FilePollSource) Name() string { return "file-poll" }

func (s *FilePollSource) Run(ctx context.Context) error {
	s.ScanOnce(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs a single pull-and-scan cycle. It skips entirely while a
// run is in flight: syncing would fight the pipeline for the working copy,
// and the files it would find are being consumed anyway.
func (s *FilePollSource) ScanOnce(ctx context.Context) {
	if s.Busy != nil && s.Busy() {
		return
	}
	if err := s.Sync.Sync(ctx); err != nil {
		logf(s.Logger, "file-poll: sync failed: %v", err)
		return
	}
	files, err := s.scanInbox()
	if err != nil {
		logf(s.Logger, "file-poll: scan failed: %v", err)
		return
	}
	for _, file := range files {
		event := model.TriggerEvent{
			Origin:      model.TriggerOriginFilePoll,
			PayloadID:   file.relPath,
			Instruction: file.content,
		}
		if err := s.Bus.Publish(event); err != nil {
			logf(s.Logger, "file-poll: publish for %s failed: %v", file.relPath, err)
			continue
		}
		logf(s.Logger, "file-poll: queued instruction %s", file.relPath)
	}
}

type inboxFile struct {
	relPath string
	content string
}

func (s *FilePollSource) scanInbox() ([]inboxFile, error) {
	dir := filepath.Join(s.WorkPath, filepath.FromSlash(s.InboxDir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []inboxFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), s.InstructionExt) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, inboxFile{
			relPath: path.Join(strings.Trim(s.InboxDir, "/"), entry.Name()),
			content: string(content),
		})
	}
	return files, nil
}
