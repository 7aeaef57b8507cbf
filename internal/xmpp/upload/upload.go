// Package upload moves media attachments to a place recipients can fetch
// them from, either through the server's HTTP upload service or straight
// to an S3 bucket.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/meszmate/beacon/internal/xmpp"
)

// ErrTooLarge is returned for files above the configured limit
var ErrTooLarge = errors.New("file too large")

// Result describes a finished upload
type Result struct {
	URL      string
	MIMEType string
	Size     int64
}

// Uploader stores a local file and returns its public URL
type Uploader interface {
	Upload(ctx context.Context, path string) (Result, error)
}

// file is an opened local attachment
type file struct {
	*os.File
	name     string
	size     int64
	mimeType string
}

func open(path string, maxSize int64) (*file, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if maxSize > 0 && stat.Size() > maxSize {
		f.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, stat.Size())
	}

	return &file{File: f, name: filepath.Base(path), size: stat.Size(), mimeType: MIMEType(path)}, nil
}

// MIMEType guesses the content type from the file extension
func MIMEType(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}

// SlotRequester obtains upload slots from the server
type SlotRequester interface {
	RequestUploadSlot(ctx context.Context, service, filename string, size int64, contentType string) (xmpp.UploadSlot, error)
}

// HTTPUploader uses XEP-0363 slots
type HTTPUploader struct {
	slots   SlotRequester
	service string
	maxSize int64
	client  *http.Client
}

// NewHTTPUploader creates an uploader asking service for slots
func NewHTTPUploader(slots SlotRequester, service string, maxSize int64, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPUploader{slots: slots, service: service, maxSize: maxSize, client: client}
}

// Upload requests a slot and PUTs the file into it
func (u *HTTPUploader) Upload(ctx context.Context, path string) (Result, error) {
	f, err := open(path, u.maxSize)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	slot, err := u.slots.RequestUploadSlot(ctx, u.service, f.name, f.size, f.mimeType)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PutURL, f)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", f.mimeType)
	req.ContentLength = f.size
	for k, v := range slot.Headers {
		// only the headers XEP-0363 allows
		switch strings.ToLower(k) {
		case "authorization", "cookie", "expires":
			req.Header.Set(k, v)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("upload failed with status: %d", resp.StatusCode)
	}

	return Result{URL: slot.GetURL, MIMEType: f.mimeType, Size: f.size}, nil
}

// objectKey names an uploaded object so that URLs cannot be guessed
func objectKey(name string) string {
	return uuid.NewString() + "/" + name
}
