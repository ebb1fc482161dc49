// Package payload moves approved file payloads to the receiving peer over
// HTTP multipart uploads.
package payload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds one complete upload.
const DefaultTimeout = 10 * time.Minute

// FormFieldName is the multipart field carrying each file.
const FormFieldName = "files"

// Uploader delivers payload files to a peer's upload endpoint.
type Uploader struct {
	client *http.Client
}

// NewUploader creates an uploader with its own HTTP client.
func NewUploader() *Uploader {
	return &Uploader{
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

// TotalSize sums the on-disk sizes of the given files.
func TotalSize(files []string) (int64, error) {
	var total int64
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("stat %q: %w", path, err)
		}
		if info.IsDir() {
			return 0, fmt.Errorf("%q is a directory", path)
		}
		total += info.Size()
	}
	return total, nil
}

// Send uploads the files to the destination URL as one multipart request,
// tagged with the transfer ID. Progress is reported in whole percentage
// points of total bytes sent.
func (u *Uploader) Send(ctx context.Context, transferID string, files []string, destination string, progress func(percent int)) error {
	if len(files) == 0 {
		return fmt.Errorf("no files to send")
	}

	total, err := TotalSize(files)
	if err != nil {
		return err
	}

	target, err := uploadURL(destination, transferID)
	if err != nil {
		return err
	}

	pipeReader, pipeWriter := io.Pipe()
	form := multipart.NewWriter(pipeWriter)

	var sent atomic.Int64
	report := func() {
		if progress == nil || total <= 0 {
			return
		}
		percent := int(sent.Load() * 100 / total)
		if percent > 100 {
			percent = 100
		}
		progress(percent)
	}

	go func() {
		pipeWriter.CloseWithError(writeFiles(ctx, form, files, &sent, report))
	}()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pipeReader)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	request.Header.Set("Content-Type", form.FormDataContentType())

	response, err := u.client.Do(request)
	if err != nil {
		return fmt.Errorf("upload to %q: %w", destination, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("upload to %q: unexpected status %s", destination, response.Status)
	}

	if progress != nil {
		progress(100)
	}
	return nil
}

func writeFiles(ctx context.Context, form *multipart.Writer, files []string, sent *atomic.Int64, report func()) error {
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeFile(ctx, form, path, sent, report); err != nil {
			return err
		}
	}
	return form.Close()
}

func writeFile(ctx context.Context, form *multipart.Writer, path string, sent *atomic.Int64, report func()) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	part, err := form.CreateFormFile(FormFieldName, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form part for %q: %w", path, err)
	}

	buf := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := file.Read(buf)
		if n > 0 {
			if _, err := part.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %q: %w", path, err)
			}
			sent.Add(int64(n))
			report()
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read %q: %w", path, readErr)
		}
	}
}

func uploadURL(destination, transferID string) (string, error) {
	parsed, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("parse destination %q: %w", destination, err)
	}
	query := parsed.Query()
	query.Set("transferId", transferID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
