package provision

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	downloadChunkSize = 8192
	requestTimeout    = 60 * time.Second
)

// DownloadError reports a failed model fetch. StatusCode is zero when
// the request never produced a response (network error, timeout).
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to download model from %s: HTTP status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("failed to download model from %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// EnsureModel makes sure the model artifact exists at localPath,
// fetching it from remoteURL if it does not. The download is streamed
// in fixed-size chunks to a sibling .partial file and renamed into
// place only once complete, so a crashed or failed fetch never leaves
// a truncated artifact at localPath.
func EnsureModel(localPath, remoteURL string) error {
	if _, err := os.Stat(localPath); err == nil {
		log.Printf("Model already present at %s, skipping download", localPath)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat model path %s: %w", localPath, err)
	}

	log.Printf("Downloading model from %s", remoteURL)

	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Get(remoteURL)
	if err != nil {
		return &DownloadError{URL: remoteURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &DownloadError{URL: remoteURL, StatusCode: resp.StatusCode}
	}

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}

	partial := localPath + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", partial, err)
	}

	buf := make([]byte, downloadChunkSize)
	if _, err := io.CopyBuffer(out, resp.Body, buf); err != nil {
		out.Close()
		os.Remove(partial)
		return &DownloadError{URL: remoteURL, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to finish writing %s: %w", partial, err)
	}

	if err := os.Rename(partial, localPath); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to move model into place: %w", err)
	}

	log.Printf("Model saved to %s", localPath)
	return nil
}
