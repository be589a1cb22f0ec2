package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/soltura/migrate/internal/archive"
	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

// Exporter builds archives from live data.
type Exporter struct {
	store       store.Store
	reg         *schema.Registry
	media       blob.Store
	environment string
}

// NewExporter creates an exporter. media may be nil when the deployment has
// no file storage; media-bearing fields then export metadata-free.
func NewExporter(st store.Store, reg *schema.Registry, media blob.Store, environment string) *Exporter {
	return &Exporter{store: st, reg: reg, media: media, environment: environment}
}

// Export writes an archive to w. With IncludeMedia the result is a gzip tar
// packaging payload and media bytes; otherwise it is the bare payload,
// gzip-compressed when opts.Compress is set.
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts ExportOptions, rec *ledger.Recorder) (*ExportResult, error) {
	payload, result, err := e.buildPayload(ctx, opts, rec)
	if err != nil {
		return nil, err
	}

	if !opts.IncludeMedia {
		if err := archive.EncodeJSON(w, payload, opts.Compress); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err := e.packageWithMedia(ctx, w, payload, result, rec); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Exporter) buildPayload(ctx context.Context, opts ExportOptions, rec *ledger.Recorder) (*archive.Payload, *ExportResult, error) {
	version, err := e.store.DatabaseVersion(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reading database version: %w", err)
	}
	payload := archive.NewPayload(e.environment, version)
	result := &ExportResult{}

	kinds := e.reg.OrderSubset(opts.Kinds, opts.Exclude)
	result.Kinds = kinds

	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	for _, name := range kinds {
		k, ok := e.reg.Kind(name)
		if !ok {
			continue
		}
		records, warnings, err := e.dumpKind(ctx, k, batch, result.Records, rec)
		if err != nil {
			return nil, nil, fmt.Errorf("exporting %s: %w", name, err)
		}
		payload.Models[name] = records
		result.Records += int64(len(records))
		result.Warnings = append(result.Warnings, warnings...)
		if rec != nil {
			rec.Info(ctx, "exported kind", map[string]any{"kind": name, "records": len(records)})
			rec.Progress(ctx, result.Records, result.Files)
			rec.Step(ctx, "dumping records", int64(len(payload.Models)), int64(len(kinds)))
		}
	}

	if opts.IncludeMedia && e.media != nil {
		warnings, err := e.collectMedia(ctx, payload, result, rec)
		if err != nil {
			return nil, nil, err
		}
		result.Warnings = append(result.Warnings, warnings...)
	}

	payload.FillStatistics()
	result.Files = payload.Statistics[archive.StatTotalFiles]
	result.Bytes = payload.Statistics[archive.StatTotalMediaSize]
	return payload, result, nil
}

// dumpKind canonicalizes every record of one kind, reporting progress every
// batch records. A record whose relations cannot be read falls back to a
// plain scalar dump so the export still carries its field data.
func (e *Exporter) dumpKind(ctx context.Context, k schema.Kind, batch int, base int64, rec *ledger.Recorder) ([]record.Record, []string, error) {
	var records []record.Record
	var warnings []string

	err := e.store.Scan(ctx, k.Name, func(r record.Record) error {
		canon := record.Normalize(k, record.FlattenReferences(k, r))
		pk := record.PrimaryKey(k, canon)

		failed := false
		for _, rel := range k.Relations {
			ids, err := e.store.Relations(ctx, k.Name, pk, rel.Name)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("%s %s: reading relation %s: %v", k.Name, pk, rel.Name, err))
				failed = true
				break
			}
			canon[rel.Name] = ids
		}
		if failed {
			records = append(records, record.ScalarDump(r))
		} else {
			records = append(records, record.ScalarDump(canon))
		}
		if rec != nil && len(records)%batch == 0 {
			rec.Progress(ctx, base+int64(len(records)), 0)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return records, warnings, nil
}

// collectMedia fills the payload's media inventory from the file fields of
// the exported records. Files missing from storage are skipped with a
// warning rather than failing the export.
func (e *Exporter) collectMedia(ctx context.Context, payload *archive.Payload, result *ExportResult, rec *ledger.Recorder) ([]string, error) {
	var warnings []string
	seen := 0

	for kindName, records := range payload.Models {
		k, ok := e.reg.Kind(kindName)
		if !ok {
			continue
		}
		fileFields := k.FileFields()
		if len(fileFields) == 0 {
			continue
		}
		for _, r := range records {
			pk := record.PrimaryKey(k, r)
			for _, f := range fileFields {
				path, _ := r[f.Name].(string)
				if path == "" {
					continue
				}
				if _, dup := payload.MediaFiles[path]; dup {
					continue
				}
				mf, err := e.statMedia(ctx, path)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("media %s (%s.%s of %s): %v", path, kindName, f.Name, pk, err))
					continue
				}
				mf.Model = kindName
				mf.Field = f.Name
				mf.ObjectID = pk
				payload.MediaFiles[path] = mf

				seen++
				if rec != nil && seen%progressEvery == 0 {
					rec.Progress(ctx, result.Records, int64(seen))
				}
			}
		}
	}
	return warnings, nil
}

func (e *Exporter) statMedia(ctx context.Context, path string) (archive.MediaFile, error) {
	rc, err := e.media.Open(ctx, path)
	if err != nil {
		if err == blob.ErrNotExist {
			return archive.MediaFile{}, fmt.Errorf("not found in storage")
		}
		return archive.MediaFile{}, err
	}
	defer rc.Close()

	counter := &countingReader{r: rc}
	sum, err := record.Checksum(counter)
	if err != nil {
		return archive.MediaFile{}, fmt.Errorf("reading: %w", err)
	}
	return archive.MediaFile{Size: counter.n, Checksum: sum, URL: path}, nil
}

// packageWithMedia stages the payload and media bytes in a temp directory
// and packs them into a gzip tar on w. The staging directory is removed on
// every path out.
func (e *Exporter) packageWithMedia(ctx context.Context, w io.Writer, payload *archive.Payload, result *ExportResult, rec *ledger.Recorder) error {
	dir, err := os.MkdirTemp("", "migrate-export-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(dir)

	pf, err := os.Create(filepath.Join(dir, archive.PayloadName))
	if err != nil {
		return fmt.Errorf("staging payload: %w", err)
	}
	if err := archive.EncodeJSON(pf, payload, true); err != nil {
		pf.Close()
		return err
	}
	if err := pf.Close(); err != nil {
		return fmt.Errorf("staging payload: %w", err)
	}

	staged := 0
	for path := range payload.MediaFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.stageMedia(ctx, dir, path); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("staging media %s: %v", path, err))
			continue
		}
		staged++
		if rec != nil && staged%progressEvery == 0 {
			rec.Progress(ctx, result.Records, int64(staged))
		}
	}
	if rec != nil {
		rec.Progress(ctx, result.Records, int64(staged))
	}

	if err := archive.PackDirectory(w, dir); err != nil {
		return fmt.Errorf("packing archive: %w", err)
	}
	return nil
}

func (e *Exporter) stageMedia(ctx context.Context, dir, path string) error {
	rc, err := e.media.Open(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	dest := filepath.Join(dir, archive.MediaPrefix, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return err
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
