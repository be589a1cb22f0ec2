package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Container identifies the physical form of an archive.
type Container int

const (
	ContainerJSON     Container = iota // plain UTF-8 JSON
	ContainerJSONGzip                  // gzip-compressed JSON payload
	ContainerTarGzip                   // gzip tar bundling payload + media
)

var gzipMagic = []byte{0x1f, 0x8b}

// Sniff detects the container form from leading bytes. Gzip content is
// tentatively tar until Decode proves otherwise.
func Sniff(data []byte) Container {
	if len(data) < 2 || !bytes.Equal(data[:2], gzipMagic) {
		return ContainerJSON
	}
	if isTarGzip(data) {
		return ContainerTarGzip
	}
	return ContainerJSONGzip
}

func isTarGzip(data []byte) bool {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return false
	}
	defer zr.Close()
	_, err = tar.NewReader(zr).Next()
	return err == nil
}

// EncodeJSON writes the payload as JSON, gzip-compressed when asked.
func EncodeJSON(w io.Writer, p *Payload, compress bool) error {
	if compress {
		zw := gzip.NewWriter(w)
		if err := json.NewEncoder(zw).Encode(p); err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("closing gzip writer: %w", err)
		}
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return nil
}

// Decode parses an archive of any container form into its payload.
func Decode(data []byte) (*Payload, error) {
	switch Sniff(data) {
	case ContainerTarGzip:
		return decodeTar(data)
	case ContainerJSONGzip:
		return decodeGzipJSON(data)
	default:
		return decodeJSON(data)
	}
}

func decodeJSON(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	return &p, nil
}

func decodeGzipJSON(data []byte) (*Payload, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening gzip payload: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("reading gzip payload: %w", err)
	}
	return decodeJSON(raw)
}

func decodeTar(data []byte) (*Payload, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		name := path.Base(header.Name)
		if name != "data.json.gz" && name != "data.json" {
			continue
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", header.Name, err)
		}
		if strings.HasSuffix(name, ".gz") {
			return decodeGzipJSON(raw)
		}
		return decodeJSON(raw)
	}
	return nil, fmt.Errorf("archive has no data payload")
}

// MediaEntry is one media file stored inside a packaged archive.
type MediaEntry struct {
	Path string // relative path with the media/ prefix stripped
	Size int64
	Body io.Reader
}

// WalkMedia streams every media entry of a packaged archive to fn. A plain
// or JSON-gzip archive has no media and walks nothing.
func WalkMedia(data []byte, fn func(MediaEntry) error) error {
	if Sniff(data) != ContainerTarGzip {
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !strings.HasPrefix(header.Name, MediaPrefix) {
			continue
		}
		rel := strings.TrimPrefix(header.Name, MediaPrefix)
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		if err := fn(MediaEntry{Path: rel, Size: header.Size, Body: tr}); err != nil {
			return err
		}
	}
}

// PackDirectory tars and gzips a staged directory tree into w. The staging
// tree is expected to hold data.json.gz at its root and media under media/.
func PackDirectory(w io.Writer, dir string) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Size:    info.Size(),
			Mode:    0644,
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing header for %s: %w", rel, err)
		}
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("opening %s: %w", rel, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return nil
}
