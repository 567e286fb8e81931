package collect

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vishnu0414/email-attachment-download/db"
	"github.com/vishnu0414/email-attachment-download/notification"
	"github.com/vishnu0414/email-attachment-download/storage"
)

// Recorder persists one attachment record per successfully written file.
type Recorder interface {
	SaveAttachment(a db.Attachment) (int, error)
}

// Archiver mirrors a written file to remote storage. Optional; failures are
// logged, never fatal.
type Archiver interface {
	Upload(ctx context.Context, userID int, name string, localPath string) error
}

// Downloader runs bulk attachment downloads: one search, then extraction
// and materialization fanned out over a bounded worker pool. Results are
// recorded strictly in search order and, within a message, in part order,
// regardless of which worker finished first.
type Downloader struct {
	client   *Client
	files    *storage.Store
	recorder Recorder
	archiver Archiver
	workers  int
}

func NewDownloader(client *Client, files *storage.Store, recorder Recorder, workers int) *Downloader {
	if workers < 1 {
		workers = 1
	}
	return &Downloader{
		client:   client,
		files:    files,
		recorder: recorder,
		workers:  workers,
	}
}

// WithArchiver enables best-effort mirroring of downloaded files.
func (d *Downloader) WithArchiver(a Archiver) *Downloader {
	d.archiver = a
	return d
}

// Request describes one bulk download.
type Request struct {
	UserID     int
	Query      string
	MaxResults int64
}

// Result reports batch counts. Per-item failures are accumulated, not
// surfaced as errors: one bad message or attachment never aborts a batch.
type Result struct {
	Downloaded int      `json:"downloaded"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

type messageResult struct {
	records []db.Attachment
	errs    []string
}

// Run executes the batch. The returned error is non-nil only when the
// search itself fails; everything past the search degrades per item.
func (d *Downloader) Run(ctx context.Context, req Request) (Result, error) {
	refs, err := d.client.Search(ctx, req.Query, req.MaxResults)
	if err != nil {
		return Result{}, err
	}
	if len(refs) == 0 {
		return Result{}, nil
	}

	userDir, err := d.files.UserDir(req.UserID)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	publisher := notification.GetPublisher(req.UserID)
	defer notification.ClosePublisher(req.UserID)

	var processed atomic.Int64
	results := make([]messageResult, len(refs))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < d.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					return
				}
				results[idx] = d.processMessage(ctx, req.UserID, userDir, refs[idx])
				done := processed.Add(1)
				current := ""
				if n := len(results[idx].records); n > 0 {
					current = results[idx].records[n-1].Filename
				}
				publisher <- notification.Progress{
					UserID:       req.UserID,
					Processed:    int(done),
					Total:        len(refs),
					CurrentFile:  current,
					ElapsedInSec: int(time.Since(start).Seconds()),
				}
			}
		}()
	}

feed:
	for idx := range refs {
		select {
		case jobs <- idx:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Fan-in: insert records in search order so the history reads the way
	// the mailbox does.
	result := Result{}
	for _, mr := range results {
		result.Errors = append(result.Errors, mr.errs...)
		result.Failed += len(mr.errs)
		for _, record := range mr.records {
			if _, err := d.recorder.SaveAttachment(record); err != nil {
				slog.Error("Failed to record downloaded attachment, skipping",
					"user_id", req.UserID,
					"filename", record.Filename,
					"error", err)
				result.Failed++
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to record %s", record.Filename))
				continue
			}
			result.Downloaded++
		}
	}

	publisher <- notification.Progress{
		UserID:       req.UserID,
		Processed:    int(processed.Load()),
		Total:        len(refs),
		Downloaded:   result.Downloaded,
		Failed:       result.Failed,
		ElapsedInSec: int(time.Since(start).Seconds()),
		Done:         true,
	}
	slog.Info("Finished download batch",
		"user_id", req.UserID,
		"messages", len(refs),
		"downloaded", result.Downloaded,
		"failed", result.Failed)
	return result, nil
}

// processMessage extracts and materializes all attachments of one message.
// Failures are collected per attachment; a message that cannot be fetched
// at all yields a single error entry.
func (d *Downloader) processMessage(ctx context.Context, userID int, userDir string, ref MessageRef) messageResult {
	mr := messageResult{}

	msg, err := d.client.GetMessage(ctx, ref.ID)
	if err != nil {
		slog.Error("Failed to get message, skipping",
			"message_id", ref.ID,
			"error", err)
		mr.errs = append(mr.errs, fmt.Sprintf("failed to fetch message %s", ref.ID))
		return mr
	}
	headers := headersOf(msg)

	for _, desc := range extractDescriptors(msg) {
		safeName := storage.SanitizeFilename(desc.Filename)
		storedName := fmt.Sprintf("%s_%s_%s",
			time.Now().UTC().Format("20060102150405"), uuid.NewString()[:8], safeName)
		destPath := filepath.Join(userDir, storedName)

		written, err := d.client.Materialize(ctx, desc, destPath)
		if err != nil {
			slog.Error("Failed to materialize attachment, skipping",
				"message_id", ref.ID,
				"filename", safeName,
				"declared_size", desc.DeclaredSize,
				"error", err)
			mr.errs = append(mr.errs, fmt.Sprintf("failed to download %s", safeName))
			continue
		}

		if d.archiver != nil {
			if err := d.archiver.Upload(ctx, userID, storedName, destPath); err != nil {
				slog.Warn("Failed to archive attachment",
					"filename", storedName,
					"error", err)
			}
		}

		mr.records = append(mr.records, db.Attachment{
			UserID:       userID,
			EmailFrom:    headers.From,
			Subject:      headers.Subject,
			DateReceived: sql.NullTime{Time: headers.Received, Valid: !headers.Received.IsZero()},
			Filename:     safeName,
			Filepath:     destPath,
			Filetype:     storage.FileType(safeName),
			Size:         int64(written),
		})
	}
	return mr
}
