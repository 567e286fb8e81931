package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vishnu0414/email-attachment-download/auth"
	"github.com/vishnu0414/email-attachment-download/db"
	"github.com/vishnu0414/email-attachment-download/storage"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []db.Attachment
}

func (r *fakeRecorder) SaveAttachment(a db.Attachment) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, a)
	return len(r.records), nil
}

func validCredStore(t *testing.T) *auth.Store {
	t.Helper()
	store := auth.NewStore(filepath.Join(t.TempDir(), "token.json"), &auth.ClientRegistration{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
	})
	err := store.Save(&auth.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return store
}

func fakeMailClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	service, err := gmail.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("gmail.NewService() error = %v", err)
	}
	return &Client{
		service:   service,
		creds:     validCredStore(t),
		throttler: rate.NewLimiter(rate.Inf, 1),
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func inlineMessage(id string, filename string, payload string) *gmail.Message {
	return &gmail.Message{
		Id:           id,
		InternalDate: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "sender@example.com"},
				{Name: "Subject", Value: "subject of " + id},
			},
			Parts: []*gmail.MessagePart{
				{
					Filename: filename,
					MimeType: "application/octet-stream",
					Body:     &gmail.MessagePartBody{Data: encodeBody(payload), Size: int64(len(payload))},
				},
			},
		},
	}
}

func TestDownloaderRunRecordsInSearchOrder(t *testing.T) {
	payloads := map[string]string{
		"m1": "payload one",
		"m2": "payload two is a little longer",
		"m3": "payload three",
		"m4": "payload four",
	}

	router := http.NewServeMux()
	router.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &gmail.ListMessagesResponse{
			Messages: []*gmail.Message{
				{Id: "m1", ThreadId: "t1"},
				{Id: "m2", ThreadId: "t2"},
				{Id: "m3", ThreadId: "t3"},
				{Id: "m4", ThreadId: "t4"},
			},
		})
	})
	router.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		// m2 carries a referenced attachment, the rest are inline.
		switch {
		case rest == "m2":
			writeJSON(t, w, &gmail.Message{
				Id:           "m2",
				InternalDate: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
				Payload: &gmail.MessagePart{
					Headers: []*gmail.MessagePartHeader{
						{Name: "From", Value: "sender@example.com"},
						{Name: "Subject", Value: "subject of m2"},
					},
					Parts: []*gmail.MessagePart{
						{
							Filename: "file_m2.bin",
							Body:     &gmail.MessagePartBody{AttachmentId: "att-m2", Size: 1},
						},
					},
				},
			})
		case rest == "m2/attachments/att-m2":
			writeJSON(t, w, &gmail.MessagePartBody{
				Data: encodeBody(payloads["m2"]),
				Size: int64(len(payloads["m2"])),
			})
		default:
			payload, ok := payloads[rest]
			if !ok {
				http.NotFound(w, r)
				return
			}
			writeJSON(t, w, inlineMessage(rest, "file_"+rest+".bin", payload))
		}
	})

	client := fakeMailClient(t, router)
	files, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	recorder := &fakeRecorder{}
	downloader := NewDownloader(client, files, recorder, 3)

	result, err := downloader.Run(context.Background(), Request{UserID: 101, Query: "has:attachment"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Downloaded != 4 || result.Failed != 0 {
		t.Fatalf("Run() = %+v, expected 4 downloaded, 0 failed", result)
	}

	if len(recorder.records) != 4 {
		t.Fatalf("recorded %d attachments, expected 4", len(recorder.records))
	}
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		record := recorder.records[i]
		wantName := "file_" + id + ".bin"
		if record.Filename != wantName {
			t.Errorf("record %d filename = %q, expected %q (search order violated)", i, record.Filename, wantName)
		}
		if record.UserID != 101 {
			t.Errorf("record %d user = %d, expected 101", i, record.UserID)
		}
		if record.Size != int64(len(payloads[id])) {
			t.Errorf("record %d size = %d, expected %d actual bytes", i, record.Size, len(payloads[id]))
		}
		if record.EmailFrom != "sender@example.com" {
			t.Errorf("record %d from = %q", i, record.EmailFrom)
		}

		got, err := os.ReadFile(record.Filepath)
		if err != nil {
			t.Fatalf("stored file for %s: %v", id, err)
		}
		if string(got) != payloads[id] {
			t.Errorf("stored bytes for %s = %q, expected %q", id, got, payloads[id])
		}
	}
}

func TestDownloaderRunSurvivesFailingMessage(t *testing.T) {
	router := http.NewServeMux()
	router.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &gmail.ListMessagesResponse{
			Messages: []*gmail.Message{
				{Id: "good-1", ThreadId: "t1"},
				{Id: "broken", ThreadId: "t2"},
				{Id: "good-2", ThreadId: "t3"},
			},
		})
	})
	router.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		if rest == "broken" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, inlineMessage(rest, rest+".txt", "content of "+rest))
	})

	client := fakeMailClient(t, router)
	files, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	recorder := &fakeRecorder{}
	downloader := NewDownloader(client, files, recorder, 2)

	result, err := downloader.Run(context.Background(), Request{UserID: 102, Query: "has:attachment"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Downloaded != 2 {
		t.Errorf("Downloaded = %d, expected 2", result.Downloaded)
	}
	if result.Failed != 1 || len(result.Errors) != 1 {
		t.Errorf("Failed = %d, Errors = %v; expected one failure", result.Failed, result.Errors)
	}

	if len(recorder.records) != 2 {
		t.Fatalf("recorded %d attachments, expected 2", len(recorder.records))
	}
	if recorder.records[0].Filename != "good-1.txt" || recorder.records[1].Filename != "good-2.txt" {
		t.Errorf("record order = %q, %q; expected good-1.txt, good-2.txt",
			recorder.records[0].Filename, recorder.records[1].Filename)
	}
}

func TestDownloaderRunEmptySearch(t *testing.T) {
	router := http.NewServeMux()
	router.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &gmail.ListMessagesResponse{})
	})

	client := fakeMailClient(t, router)
	files, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	recorder := &fakeRecorder{}
	downloader := NewDownloader(client, files, recorder, 2)

	result, err := downloader.Run(context.Background(), Request{UserID: 103, Query: "from:nobody@example.com"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Downloaded != 0 || result.Failed != 0 {
		t.Errorf("Run() = %+v, expected empty result", result)
	}
	if len(recorder.records) != 0 {
		t.Errorf("recorded %d attachments, expected none", len(recorder.records))
	}
}

func TestClientAttachments(t *testing.T) {
	router := http.NewServeMux()
	router.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, inlineMessage("m1", "slides.pdf", "deck bytes"))
	})

	client := fakeMailClient(t, router)
	descriptors, err := client.Attachments(context.Background(), MessageRef{ID: "m1"})
	if err != nil {
		t.Fatalf("Attachments() error = %v", err)
	}
	if len(descriptors) != 1 {
		t.Fatalf("Attachments() returned %d descriptors, expected 1", len(descriptors))
	}
	if descriptors[0].Filename != "slides.pdf" || !descriptors[0].Inline() {
		t.Errorf("descriptor = %+v, expected inline slides.pdf", descriptors[0])
	}
}

func TestSearchWrapsProviderFailure(t *testing.T) {
	router := http.NewServeMux()
	router.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"invalid query"}}`)
	})

	client := fakeMailClient(t, router)
	_, err := client.Search(context.Background(), "bad query", 10)
	if err == nil {
		t.Fatal("Search() error = nil, expected failure")
	}
	if !errors.Is(err, ErrSearchFailed) {
		t.Errorf("Search() error = %v, expected it to wrap ErrSearchFailed", err)
	}
}
