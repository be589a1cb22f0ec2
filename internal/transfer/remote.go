package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/soltura/migrate/internal/archive"
	"github.com/soltura/migrate/internal/ledger"
)

// TokenHeader carries the migration token on every remote call.
const TokenHeader = "X-Migration-Token"

const (
	pollTimeout     = 30 * time.Second
	transferTimeout = 300 * time.Second
)

// RemoteClient talks to another environment's migration daemon.
type RemoteClient struct {
	base  string
	token string

	// Separate clients: status polls should fail fast, archive and media
	// transfers may legitimately run for minutes.
	poll *http.Client
	bulk *http.Client
}

// NewRemoteClient creates a client for the daemon at baseURL.
func NewRemoteClient(baseURL, token string) *RemoteClient {
	return &RemoteClient{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		poll:  &http.Client{Timeout: pollTimeout},
		bulk:  &http.Client{Timeout: transferTimeout},
	}
}

// ExportRequest asks the remote to start an export.
type ExportRequest struct {
	IncludeMedia bool     `json:"include_media"`
	Kinds        []string `json:"kinds,omitempty"`
	Environment  string   `json:"environment,omitempty"`
}

// JobStatus is the remote's view of a job.
type JobStatus struct {
	JobID            string           `json:"job_id"`
	Status           ledger.JobStatus `json:"status"`
	TotalRecords     int64            `json:"total_records"`
	ProcessedRecords int64            `json:"processed_records"`
	TotalFiles       int64            `json:"total_files"`
	ProcessedFiles   int64            `json:"processed_files"`
	Error            string           `json:"error,omitempty"`
}

// StartExport kicks off an export on the remote and returns the job id.
func (c *RemoteClient) StartExport(ctx context.Context, req ExportRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding export request: %w", err)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.doJSON(ctx, c.poll, http.MethodPost, "/api/migration/export", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Status polls one job.
func (c *RemoteClient) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	path := "/api/migration/jobs/" + url.PathEscape(jobID)
	if err := c.doJSON(ctx, c.poll, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForExport polls until the job completes or fails.
func (c *RemoteClient) WaitForExport(ctx context.Context, jobID string, interval time.Duration) (*JobStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if st.Status == ledger.StatusCompleted {
			return st, nil
		}
		if st.Status.Terminal() {
			return st, fmt.Errorf("remote job %s %s: %s", jobID, st.Status, st.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DownloadArchive streams a completed export's archive.
func (c *RemoteClient) DownloadArchive(ctx context.Context, jobID string) (io.ReadCloser, error) {
	path := "/api/migration/jobs/" + url.PathEscape(jobID) + "/archive"
	resp, err := c.do(ctx, c.bulk, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ListMedia returns the remote's media file inventory.
func (c *RemoteClient) ListMedia(ctx context.Context) ([]archive.MediaFile, error) {
	var out struct {
		Files []archive.MediaFile `json:"files"`
	}
	if err := c.doJSON(ctx, c.poll, http.MethodGet, "/api/migration/media", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// FetchMedia streams one media file by its storage path.
func (c *RemoteClient) FetchMedia(ctx context.Context, path string) (io.ReadCloser, error) {
	p := "/api/migration/media/fetch?path=" + url.QueryEscape(path)
	resp, err := c.do(ctx, c.bulk, http.MethodGet, p, nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// SendArchive uploads an archive to the remote as a multipart form. The
// remote stages it for a later import.
func (c *RemoteClient) SendArchive(ctx context.Context, name string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", name)
	if err != nil {
		return fmt.Errorf("building upload form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("buffering archive: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing upload form: %w", err)
	}

	resp, err := c.do(ctx, c.bulk, http.MethodPost, "/api/migration/receive", &buf, mw.FormDataContentType())
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *RemoteClient) doJSON(ctx context.Context, client *http.Client, method, path string, body io.Reader, out any) error {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	resp, err := c.do(ctx, client, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *RemoteClient) do(ctx context.Context, client *http.Client, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(TokenHeader, c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("remote %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
