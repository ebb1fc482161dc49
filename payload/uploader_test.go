package payload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestTotalSize(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "hello")
	b := writeTempFile(t, dir, "b.txt", "world!!")

	total, err := TotalSize([]string{a, b})
	if err != nil {
		t.Fatalf("TotalSize failed: %v", err)
	}
	if total != 12 {
		t.Fatalf("expected 12 bytes, got %d", total)
	}
}

func TestTotalSizeRejectsDirectories(t *testing.T) {
	if _, err := TotalSize([]string{t.TempDir()}); err == nil {
		t.Fatal("expected an error for a directory")
	}
}

func TestSendUploadsMultipart(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "first file")
	b := writeTempFile(t, dir, "b.txt", "second file")

	type received struct {
		name    string
		content string
	}
	var (
		mu         sync.Mutex
		files      []received
		transferID string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		transferID = r.URL.Query().Get("transferId")
		for _, header := range r.MultipartForm.File[FormFieldName] {
			file, err := header.Open()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			raw, err := io.ReadAll(file)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = file.Close()
			files = append(files, received{name: header.Filename, content: string(raw)})
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	var progressValues []int
	uploader := NewUploader()
	err := uploader.Send(context.Background(), "transfer-1", []string{a, b}, server.URL+"/upload", func(percent int) {
		progressValues = append(progressValues, percent)
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if transferID != "transfer-1" {
		t.Fatalf("expected transferId query parameter, got %q", transferID)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].name != "a.txt" || files[0].content != "first file" {
		t.Fatalf("unexpected first file %+v", files[0])
	}
	if files[1].name != "b.txt" || files[1].content != "second file" {
		t.Fatalf("unexpected second file %+v", files[1])
	}

	if len(progressValues) == 0 {
		t.Fatal("expected progress callbacks")
	}
	last := progressValues[len(progressValues)-1]
	if last != 100 {
		t.Fatalf("expected final progress 100, got %d", last)
	}
	for i := 1; i < len(progressValues); i++ {
		if progressValues[i] < progressValues[i-1] {
			t.Fatalf("expected monotonic progress, got %v", progressValues)
		}
	}
}

func TestSendFailsOnErrorStatus(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "content")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not allowed", http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	uploader := NewUploader()
	if err := uploader.Send(context.Background(), "transfer-1", []string{a}, server.URL+"/upload", nil); err == nil {
		t.Fatal("expected an error for a rejected upload")
	}
}

func TestSendMissingFile(t *testing.T) {
	uploader := NewUploader()
	err := uploader.Send(context.Background(), "transfer-1", []string{"/nonexistent/file.txt"}, "http://127.0.0.1/upload", nil)
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestSendCancelledContext(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "content")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	uploader := NewUploader()
	if err := uploader.Send(ctx, "transfer-1", []string{a}, "http://127.0.0.1:1/upload", nil); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}
