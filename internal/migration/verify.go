package migration

import (
	"context"
	"fmt"

	"github.com/soltura/migrate/internal/archive"
	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

// VerifyReport is the outcome of an integrity check. Problems fail the
// verification; Warnings do not.
type VerifyReport struct {
	Problems []string
	Warnings []string

	RecordsChecked int64
	FilesChecked   int64
}

// OK reports whether the check found no problems.
func (r *VerifyReport) OK() bool {
	return len(r.Problems) == 0
}

// Verifier checks live data against an archive's expectations.
type Verifier struct {
	store      store.Store
	reg        *schema.Registry
	media      blob.Store
	checkFiles bool
}

// NewVerifier creates a verifier. media may be nil, which skips file checks.
func NewVerifier(st store.Store, reg *schema.Registry, media blob.Store) *Verifier {
	return &Verifier{store: st, reg: reg, media: media, checkFiles: true}
}

// WithFileChecks toggles the media audit. Off means only counts and
// references are checked.
func (v *Verifier) WithFileChecks(on bool) *Verifier {
	v.checkFiles = on
	return v
}

// Verify runs up to three checks: record counts against the archive's
// statistics, reference integrity across the stored records, and existence
// of every file the live records point at. Fewer records than the archive
// claims is a problem; more is only a warning, since live data may have
// grown past the import.
func (v *Verifier) Verify(ctx context.Context, payload *archive.Payload) *VerifyReport {
	report := &VerifyReport{}
	v.checkCounts(ctx, payload, report)
	v.checkReferences(ctx, payload, report)
	if v.checkFiles {
		v.auditFiles(ctx, report)
	}
	return report
}

func (v *Verifier) checkCounts(ctx context.Context, payload *archive.Payload, report *VerifyReport) {
	for kind, want := range payload.Statistics.KindCounts() {
		if _, ok := v.reg.Kind(kind); !ok {
			continue
		}
		got, err := v.store.Count(ctx, kind)
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("counting %s: %v", kind, err))
			continue
		}
		switch {
		case got < want:
			report.Problems = append(report.Problems, fmt.Sprintf("%s: have %d records, archive expects %d", kind, got, want))
		case got > want:
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: have %d records, archive expects %d", kind, got, want))
		}
		report.RecordsChecked += got
	}
}

func (v *Verifier) checkReferences(ctx context.Context, payload *archive.Payload, report *VerifyReport) {
	for kind := range payload.Models {
		k, ok := v.reg.Kind(kind)
		if !ok {
			continue
		}
		refs := k.ReferenceFields()
		if len(refs) == 0 {
			continue
		}
		err := v.store.Scan(ctx, kind, func(r record.Record) error {
			pk := record.PrimaryKey(k, r)
			for _, f := range refs {
				v2 := r[f.Name]
				if record.IsEmpty(v2) {
					continue
				}
				target := fmt.Sprintf("%v", v2)
				if _, err := v.store.Get(ctx, f.Ref, target); err == store.ErrNotFound {
					report.Problems = append(report.Problems, fmt.Sprintf("%s %s: %s points at missing %s %s", kind, pk, f.Name, f.Ref, target))
				} else if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("scanning %s: %v", kind, err))
		}
	}
}

// auditFiles walks the live records and checks that every file path they
// carry exists in storage. The archive's own media inventory goes stale as
// soon as records change, so the records are the source of truth here.
func (v *Verifier) auditFiles(ctx context.Context, report *VerifyReport) {
	if v.media == nil {
		return
	}
	seen := make(map[string]bool)
	for _, name := range v.reg.Order() {
		k, _ := v.reg.Kind(name)
		fileFields := k.FileFields()
		if len(fileFields) == 0 {
			continue
		}
		err := v.store.Scan(ctx, name, func(r record.Record) error {
			pk := record.PrimaryKey(k, r)
			for _, f := range fileFields {
				path, _ := r[f.Name].(string)
				if path == "" || seen[path] {
					continue
				}
				seen[path] = true
				ok, err := v.media.Exists(ctx, path)
				if err != nil {
					report.Problems = append(report.Problems, fmt.Sprintf("checking media %s: %v", path, err))
					continue
				}
				if !ok {
					report.Problems = append(report.Problems, fmt.Sprintf("media %s (%s.%s of %s) missing from storage", path, name, f.Name, pk))
					continue
				}
				report.FilesChecked++
			}
			return nil
		})
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("scanning %s for media: %v", name, err))
		}
	}
}
