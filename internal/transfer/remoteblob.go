package transfer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/soltura/migrate/internal/blob"
)

// RemoteBlobSource adapts a RemoteClient's media endpoints to the blob.Store
// read surface, so the transfer service can copy remote files into local
// storage. Writes are rejected; pushing files goes through SendArchive.
type RemoteBlobSource struct {
	client *RemoteClient
}

// NewRemoteBlobSource wraps a remote client.
func NewRemoteBlobSource(client *RemoteClient) *RemoteBlobSource {
	return &RemoteBlobSource{client: client}
}

func (s *RemoteBlobSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return s.client.FetchMedia(ctx, path)
}

func (s *RemoteBlobSource) Write(ctx context.Context, path string, r io.Reader) (int64, error) {
	return 0, fmt.Errorf("remote media is read-only")
}

func (s *RemoteBlobSource) Exists(ctx context.Context, path string) (bool, error) {
	files, err := s.client.ListMedia(ctx)
	if err != nil {
		return false, err
	}
	for _, mf := range files {
		if mf.URL == path {
			return true, nil
		}
	}
	return false, nil
}

func (s *RemoteBlobSource) List(ctx context.Context, prefix string) ([]string, error) {
	files, err := s.client.ListMedia(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, mf := range files {
		if strings.HasPrefix(mf.URL, prefix) {
			out = append(out, mf.URL)
		}
	}
	return out, nil
}

var _ blob.Store = (*RemoteBlobSource)(nil)
