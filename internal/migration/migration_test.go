package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/soltura/migrate/internal/archive"
	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

func libraryRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(
		schema.Kind{
			Name:       "author",
			PrimaryKey: "id",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString},
				{Name: "name", Type: schema.TypeString, Unique: true},
			},
			Critical: true,
		},
		schema.Kind{
			Name:       "book",
			PrimaryKey: "id",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString},
				{Name: "title", Type: schema.TypeString},
				{Name: "isbn", Type: schema.TypeString, Unique: true},
				{Name: "author", Type: schema.TypeString, Ref: "author"},
				{Name: "cover", Type: schema.TypeString, File: true},
			},
			Relations: []schema.Relation{{Name: "tags", Target: "tag"}},
		},
		schema.Kind{
			Name:       "tag",
			PrimaryKey: "id",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString},
				{Name: "name", Type: schema.TypeString},
			},
		},
	)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	return reg
}

func seed(t *testing.T, st *store.Memory, kind string, recs ...record.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("opening transaction: %v", err)
	}
	for _, r := range recs {
		if err := tx.Insert(ctx, kind, r); err != nil {
			t.Fatalf("seeding %s: %v", kind, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("committing seed: %v", err)
	}
}

func setRelations(t *testing.T, st *store.Memory, kind, pk, rel string, ids []string) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("opening transaction: %v", err)
	}
	if err := tx.SetRelations(ctx, kind, pk, rel, ids); err != nil {
		t.Fatalf("setting relations: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("committing relations: %v", err)
	}
}

func seedLibrary(t *testing.T, reg *schema.Registry) *store.Memory {
	t.Helper()
	st := store.NewMemory(reg)
	seed(t, st, "author",
		record.Record{"id": "a1", "name": "first author"},
		record.Record{"id": "a2", "name": "second author"},
	)
	seed(t, st, "tag",
		record.Record{"id": "t1", "name": "history"},
		record.Record{"id": "t2", "name": "science"},
	)
	seed(t, st, "book",
		record.Record{"id": "b1", "title": "one", "isbn": "111", "author": "a1"},
		record.Record{"id": "b2", "title": "two", "isbn": "222", "author": "a2"},
	)
	setRelations(t, st, "book", "b1", "tags", []string{"t1", "t2"})
	return st
}

func exportArchive(t *testing.T, st *store.Memory, reg *schema.Registry, opts ExportOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := NewExporter(st, reg, nil, "source").Export(context.Background(), &buf, opts, nil); err != nil {
		t.Fatalf("exporting: %v", err)
	}
	return buf.Bytes()
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)

	data := exportArchive(t, src, reg, ExportOptions{})
	payload, err := archive.Decode(data)
	if err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if payload.Statistics[archive.StatTotalRecords] != 6 {
		t.Errorf("total_records = %d", payload.Statistics[archive.StatTotalRecords])
	}
	if payload.SourceEnvironment != "source" {
		t.Errorf("environment %q", payload.SourceEnvironment)
	}

	dst := store.NewMemory(reg)
	result, err := NewImporter(dst, reg, nil).ImportAll(ctx, data, ImportOptions{}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if result.Created != 6 || result.Failed != 0 {
		t.Fatalf("created %d failed %d errors %v", result.Created, result.Failed, result.Errors)
	}

	book, err := dst.Get(ctx, "book", "b1")
	if err != nil {
		t.Fatalf("getting imported book: %v", err)
	}
	if book["title"] != "one" || book["author"] != "a1" {
		t.Errorf("book came back wrong: %v", book)
	}

	tags, err := dst.Relations(ctx, "book", "b1", "tags")
	if err != nil {
		t.Fatalf("reading imported relations: %v", err)
	}
	if len(tags) != 2 || tags[0] != "t1" || tags[1] != "t2" {
		t.Errorf("tags %v", tags)
	}
}

func TestExportSubset(t *testing.T) {
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)

	data := exportArchive(t, src, reg, ExportOptions{Kinds: []string{"author"}})
	payload, err := archive.Decode(data)
	if err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if len(payload.Models) != 1 || len(payload.Models["author"]) != 2 {
		t.Errorf("models %v", payload.Models)
	}

	data = exportArchive(t, src, reg, ExportOptions{Exclude: []string{"book"}})
	payload, err = archive.Decode(data)
	if err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if _, ok := payload.Models["book"]; ok {
		t.Error("excluded kind present in export")
	}
	if len(payload.Models["author"]) != 2 || len(payload.Models["tag"]) != 2 {
		t.Errorf("models %v", payload.Models)
	}
}

func TestExportBatchProgress(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)

	led := ledger.NewMemoryStore()
	job := ledger.NewJob(ledger.JobExport, "test")
	if err := led.CreateJob(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	rec := ledger.NewRecorder(led, job, nil)

	var buf bytes.Buffer
	result, err := NewExporter(src, reg, nil, "test").Export(ctx, &buf, ExportOptions{BatchSize: 1}, rec)
	if err != nil {
		t.Fatalf("exporting: %v", err)
	}
	if result.Records != 6 {
		t.Fatalf("records %d", result.Records)
	}

	stored, err := led.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if stored.ProcessedRecords != 6 {
		t.Errorf("processed records %d", stored.ProcessedRecords)
	}
	if stored.Step == "" || stored.Progress != 100 {
		t.Errorf("step %q progress %v", stored.Step, stored.Progress)
	}
}

func TestImportSkipIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)
	data := exportArchive(t, src, reg, ExportOptions{})

	dst := store.NewMemory(reg)
	im := NewImporter(dst, reg, nil)
	if _, err := im.ImportAll(ctx, data, ImportOptions{}, nil); err != nil {
		t.Fatalf("first import: %v", err)
	}
	result, err := im.ImportAll(ctx, data, ImportOptions{}, nil)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if result.Created != 0 || result.Updated != 0 || result.Skipped != 6 {
		t.Errorf("second pass should skip everything: %+v", result)
	}
}

func TestImportOverwrite(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)
	data := exportArchive(t, src, reg, ExportOptions{})

	dst := store.NewMemory(reg)
	seed(t, dst, "author", record.Record{"id": "a1", "name": "stale name"})

	result, err := NewImporter(dst, reg, nil).ImportAll(ctx, data, ImportOptions{Strategy: Overwrite}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if result.Updated != 1 || result.Created != 5 {
		t.Errorf("updated %d created %d", result.Updated, result.Created)
	}

	got, err := dst.Get(ctx, "author", "a1")
	if err != nil {
		t.Fatalf("getting author: %v", err)
	}
	if got["name"] != "first author" {
		t.Errorf("overwrite did not replace the field: %v", got)
	}
}

func TestImportOverwriteConverges(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)
	data := exportArchive(t, src, reg, ExportOptions{})

	dst := store.NewMemory(reg)
	seed(t, dst, "author", record.Record{"id": "a1", "name": "stale name"})
	im := NewImporter(dst, reg, nil)

	if _, err := im.ImportAll(ctx, data, ImportOptions{Strategy: Overwrite}, nil); err != nil {
		t.Fatalf("first import: %v", err)
	}
	first := snapshotRecords(t, dst, reg)

	if _, err := im.ImportAll(ctx, data, ImportOptions{Strategy: Overwrite}, nil); err != nil {
		t.Fatalf("second import: %v", err)
	}
	second := snapshotRecords(t, dst, reg)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated overwrite import diverged:\nfirst:  %v\nsecond: %v", first, second)
	}
}

// snapshotRecords captures every stored record keyed by kind and primary key.
func snapshotRecords(t *testing.T, st *store.Memory, reg *schema.Registry) map[string]map[string]record.Record {
	t.Helper()
	out := make(map[string]map[string]record.Record)
	for _, name := range reg.Order() {
		k, _ := reg.Kind(name)
		kindRecs := make(map[string]record.Record)
		err := st.Scan(context.Background(), name, func(r record.Record) error {
			kindRecs[record.PrimaryKey(k, r)] = r
			return nil
		})
		if err != nil {
			t.Fatalf("scanning %s: %v", name, err)
		}
		out[name] = kindRecs
	}
	return out
}

func TestImportCountsPerKind(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)
	data := exportArchive(t, src, reg, ExportOptions{})

	dst := store.NewMemory(reg)
	im := NewImporter(dst, reg, nil)

	result, err := im.ImportAll(ctx, data, ImportOptions{}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	want := map[string]int64{"author": 2, "book": 2, "tag": 2}
	if !reflect.DeepEqual(result.Counts, want) {
		t.Errorf("counts = %v, want %v", result.Counts, want)
	}

	// Skipped records are not applied, so they stay out of the counts.
	result, err = im.ImportAll(ctx, data, ImportOptions{}, nil)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if len(result.Counts) != 0 {
		t.Errorf("skip-only pass reported counts %v", result.Counts)
	}

	// Overwrite rewrites every record and counts each one.
	result, err = im.ImportAll(ctx, data, ImportOptions{Strategy: Overwrite}, nil)
	if err != nil {
		t.Fatalf("overwrite import: %v", err)
	}
	if !reflect.DeepEqual(result.Counts, want) {
		t.Errorf("overwrite counts = %v, want %v", result.Counts, want)
	}
}

func TestImportDryRun(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)
	data := exportArchive(t, src, reg, ExportOptions{})

	dst := store.NewMemory(reg)
	result, err := NewImporter(dst, reg, nil).ImportAll(ctx, data, ImportOptions{DryRun: true}, nil)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !result.DryRun {
		t.Error("result not flagged as a dry run")
	}
	want := map[string]int64{"author": 2, "book": 2, "tag": 2}
	if !reflect.DeepEqual(result.Counts, want) {
		t.Errorf("counts = %v, want %v", result.Counts, want)
	}
	if result.Created != 0 || result.Updated != 0 {
		t.Errorf("dry run reported applied records: %+v", result)
	}

	for _, kind := range []string{"author", "book", "tag"} {
		n, err := dst.Count(ctx, kind)
		if err != nil {
			t.Fatalf("counting %s: %v", kind, err)
		}
		if n != 0 {
			t.Errorf("dry run wrote %d %s records", n, kind)
		}
	}
}

func TestImportDryRunRejectsMalformedArchives(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	dst := store.NewMemory(reg)

	payload := archive.NewPayload("source", "memory")
	payload.Models["nonexistent"] = []record.Record{{"id": "1"}}
	payload.FillStatistics()
	var buf bytes.Buffer
	if err := archive.EncodeJSON(&buf, payload, false); err != nil {
		t.Fatalf("encoding payload: %v", err)
	}

	_, err := NewImporter(dst, reg, nil).ImportAll(ctx, buf.Bytes(), ImportOptions{DryRun: true}, nil)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestImportMerge(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)
	data := exportArchive(t, src, reg, ExportOptions{})

	dst := store.NewMemory(reg)
	seed(t, dst, "book", record.Record{"id": "b1", "title": "kept title", "isbn": "", "author": ""})
	setRelations(t, dst, "book", "b1", "tags", []string{"t9"})

	result, err := NewImporter(dst, reg, nil).ImportAll(ctx, data, ImportOptions{Strategy: Merge, SkipVerify: true}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if result.Failed != 0 {
		t.Fatalf("failures: %v", result.Errors)
	}

	got, err := dst.Get(ctx, "book", "b1")
	if err != nil {
		t.Fatalf("getting book: %v", err)
	}
	if got["title"] != "kept title" {
		t.Errorf("merge replaced a non-empty field: %v", got)
	}
	if got["isbn"] != "111" || got["author"] != "a1" {
		t.Errorf("merge did not fill empty fields: %v", got)
	}

	tags, err := dst.Relations(ctx, "book", "b1", "tags")
	if err != nil {
		t.Fatalf("reading relations: %v", err)
	}
	if len(tags) != 3 || tags[0] != "t1" || tags[1] != "t2" || tags[2] != "t9" {
		t.Errorf("merge should union relations, got %v", tags)
	}
}

func TestImportDeferredCircularReferences(t *testing.T) {
	ctx := context.Background()
	reg, err := schema.NewRegistry(
		schema.Kind{
			Name:       "person",
			PrimaryKey: "id",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString},
				{Name: "team", Type: schema.TypeString, Ref: "team"},
			},
		},
		schema.Kind{
			Name:       "team",
			PrimaryKey: "id",
			Fields: []schema.Field{
				{Name: "id", Type: schema.TypeString},
				{Name: "lead", Type: schema.TypeString, Ref: "person", Nullable: true},
			},
		},
	)
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}

	src := store.NewMemory(reg)
	seed(t, src, "team", record.Record{"id": "t1", "lead": "p1"})
	seed(t, src, "person", record.Record{"id": "p1", "team": "t1"})

	data := exportArchive(t, src, reg, ExportOptions{})

	dst := store.NewMemory(reg)
	result, err := NewImporter(dst, reg, nil).ImportAll(ctx, data, ImportOptions{}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if result.Created != 2 {
		t.Fatalf("created %d, errors %v", result.Created, result.Errors)
	}

	team, err := dst.Get(ctx, "team", "t1")
	if err != nil {
		t.Fatalf("getting team: %v", err)
	}
	if team["lead"] != "p1" {
		t.Errorf("deferred field not written back: %v", team)
	}
}

func TestImportRejectsMalformedArchives(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	dst := store.NewMemory(reg)
	im := NewImporter(dst, reg, nil)

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"Missing Statistics", map[string]any{
			"version": "1.0.0",
			"models":  map[string]any{},
		}},
		{"Missing Totals", map[string]any{
			"version":    "1.0.0",
			"models":     map[string]any{},
			"statistics": map[string]any{},
		}},
		{"Unknown Kind", map[string]any{
			"version": "1.0.0",
			"models":  map[string]any{"alien": []any{}},
			"statistics": map[string]any{
				"total_models": 1, "total_records": 0,
			},
		}},
		{"Count Mismatch", map[string]any{
			"version": "1.0.0",
			"models": map[string]any{
				"author": []any{map[string]any{"id": "a1", "name": "x"}},
			},
			"statistics": map[string]any{
				"total_models": 1, "total_records": 5, "count_author": 5,
			},
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, err := json.Marshal(c.payload)
			if err != nil {
				t.Fatalf("marshaling payload: %v", err)
			}
			_, err = im.ImportAll(ctx, raw, ImportOptions{}, nil)
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("expected FormatError, got %v", err)
			}
		})
	}

	if _, err := im.ImportAll(ctx, []byte("garbage"), ImportOptions{}, nil); err == nil {
		t.Error("expected error for unreadable archive")
	}

	// Nothing may touch the store before validation passes.
	if n, _ := dst.Count(ctx, "author"); n != 0 {
		t.Errorf("store written despite invalid archives: %d records", n)
	}
}

func TestImportIsolatesBadRecords(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)

	payload := archive.NewPayload("source", "memory")
	payload.Models["author"] = []record.Record{
		{"id": "a1", "name": "good"},
		{"name": "no primary key"},
		{"id": "a3", "name": "also good"},
	}
	payload.FillStatistics()
	var buf bytes.Buffer
	if err := archive.EncodeJSON(&buf, payload, false); err != nil {
		t.Fatalf("encoding payload: %v", err)
	}

	dst := store.NewMemory(reg)
	result, err := NewImporter(dst, reg, nil).ImportAll(ctx, buf.Bytes(), ImportOptions{SkipVerify: true}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if result.Created != 2 || result.Failed != 1 {
		t.Errorf("created %d failed %d errors %v", result.Created, result.Failed, result.Errors)
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors %v", result.Errors)
	}
	if _, err := dst.Get(ctx, "author", "a1"); err != nil {
		t.Errorf("good record lost to a bad neighbor: %v", err)
	}
	if _, err := dst.Get(ctx, "author", "a3"); err != nil {
		t.Errorf("good record lost to a bad neighbor: %v", err)
	}
}

func TestImportWarnsOnMissingCriticalKind(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)

	payload := archive.NewPayload("source", "memory")
	payload.Models["tag"] = []record.Record{{"id": "t1", "name": "only tags"}}
	payload.FillStatistics()
	var buf bytes.Buffer
	if err := archive.EncodeJSON(&buf, payload, false); err != nil {
		t.Fatalf("encoding payload: %v", err)
	}

	dst := store.NewMemory(reg)
	result, err := NewImporter(dst, reg, nil).ImportAll(ctx, buf.Bytes(), ImportOptions{SkipVerify: true}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	found := false
	for _, w := range result.Warnings {
		if w == "archive has no author records" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected critical-kind warning, got %v", result.Warnings)
	}
}

func TestCheckpointRollback(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	st := seedLibrary(t, reg)

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	led := ledger.NewMemoryStore()
	cp := NewCheckpointer(st, reg, blobs, led, "test")

	created, err := cp.Create(ctx, "before changes", "pre-change snapshot", nil)
	if err != nil {
		t.Fatalf("creating checkpoint: %v", err)
	}
	if created.Size == 0 || created.ArchivePath == "" {
		t.Errorf("checkpoint metadata incomplete: %+v", created)
	}
	if !created.Valid || created.Description != "pre-change snapshot" {
		t.Errorf("checkpoint metadata incomplete: %+v", created)
	}
	if created.TotalKinds == 0 || created.TotalRecords == 0 {
		t.Errorf("checkpoint totals not recorded: %+v", created)
	}

	// Damage the data set, then roll back.
	tx, _ := st.Begin(ctx)
	damaged, _ := tx.Get(ctx, "book", "b1")
	damaged["title"] = "vandalized"
	if err := tx.Update(ctx, "book", "b1", damaged); err != nil {
		t.Fatalf("updating book: %v", err)
	}
	tx.Commit(ctx)

	if err := cp.Rollback(ctx, created.ID, nil); err != nil {
		t.Fatalf("rolling back: %v", err)
	}
	got, err := st.Get(ctx, "book", "b1")
	if err != nil {
		t.Fatalf("getting book: %v", err)
	}
	if got["title"] != "one" {
		t.Errorf("rollback did not restore the field: %v", got)
	}

	// A rollback consumes the checkpoint.
	stored, err := led.GetCheckpoint(ctx, created.ID)
	if err != nil {
		t.Fatalf("loading checkpoint: %v", err)
	}
	if !stored.Used || stored.UsedAt == nil {
		t.Errorf("checkpoint not marked used: %+v", stored)
	}
	if err := cp.Rollback(ctx, created.ID, nil); err == nil {
		t.Error("expected error rolling back a used checkpoint")
	}
}

func TestCheckpointRollbackVerifiesRestore(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	st := seedLibrary(t, reg)

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	led := ledger.NewMemoryStore()
	cp := NewCheckpointer(st, reg, blobs, led, "test")

	created, err := cp.Create(ctx, "before", "", nil)
	if err != nil {
		t.Fatalf("creating checkpoint: %v", err)
	}

	// A record added after the snapshot survives the overwrite restore.
	// When it dangles, the restored state fails its integrity check and
	// the checkpoint must stay unconsumed.
	seed(t, st, "book", record.Record{"id": "b9", "title": "stray", "isbn": "999", "author": "ghost"})

	err = cp.Rollback(ctx, created.ID, nil)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError from an unverifiable restore, got %v", err)
	}
	stored, err := led.GetCheckpoint(ctx, created.ID)
	if err != nil {
		t.Fatalf("loading checkpoint: %v", err)
	}
	if stored.Used {
		t.Errorf("failed restore consumed the checkpoint: %+v", stored)
	}
}

func TestCheckpointExpiry(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	st := seedLibrary(t, reg)

	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	led := ledger.NewMemoryStore()
	cp := NewCheckpointer(st, reg, blobs, led, "test")

	created, err := cp.Create(ctx, "old", "", nil)
	if err != nil {
		t.Fatalf("creating checkpoint: %v", err)
	}
	created.ExpiresAt = created.CreatedAt.Add(-time.Hour)
	if err := led.UpdateCheckpoint(ctx, created); err != nil {
		t.Fatalf("backdating checkpoint: %v", err)
	}

	if err := cp.Rollback(ctx, created.ID, nil); err == nil {
		t.Error("expected error rolling back an expired checkpoint")
	}

	pruned, err := cp.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d", pruned)
	}

	// Pruning retires the checkpoint without pretending it was restored.
	stored, err := led.GetCheckpoint(ctx, created.ID)
	if err != nil {
		t.Fatalf("loading checkpoint: %v", err)
	}
	if stored.Valid {
		t.Errorf("pruned checkpoint still valid: %+v", stored)
	}
	if stored.Used {
		t.Errorf("pruned checkpoint marked used: %+v", stored)
	}
	if err := cp.Rollback(ctx, created.ID, nil); err == nil {
		t.Error("expected error rolling back a retired checkpoint")
	}
}

func TestImportAutoRollback(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)

	// One record of the batch cannot apply, so the post-import count check
	// comes up short and triggers the rollback path.
	payload := archive.NewPayload("source", "memory")
	payload.Models["author"] = []record.Record{
		{"id": "a1", "name": "good"},
		{"name": "no primary key"},
	}
	payload.FillStatistics()
	var buf bytes.Buffer
	if err := archive.EncodeJSON(&buf, payload, false); err != nil {
		t.Fatalf("encoding payload: %v", err)
	}

	dst := store.NewMemory(reg)
	blobs, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}
	led := ledger.NewMemoryStore()
	im := NewImporter(dst, reg, nil).
		WithCheckpoints(NewCheckpointer(dst, reg, blobs, led, "test"))

	result, err := im.ImportAll(ctx, buf.Bytes(), ImportOptions{
		CreateCheckpoint: true,
		AutoRollback:     true,
	}, nil)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if result.CheckpointID == "" {
		t.Error("no checkpoint was created")
	}
	if !result.RolledBack {
		t.Error("rollback did not run")
	}
}

func TestImportRequiresCheckpointerForCheckpointOptions(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	im := NewImporter(store.NewMemory(reg), reg, nil)
	if _, err := im.ImportAll(ctx, nil, ImportOptions{CreateCheckpoint: true}, nil); err == nil {
		t.Error("expected error when checkpoints are not configured")
	}
	if _, err := im.ImportAll(ctx, nil, ImportOptions{AutoRollback: true}, nil); err == nil {
		t.Error("expected error when checkpoints are not configured")
	}
}

func TestMediaRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)

	srcMedia, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating media store: %v", err)
	}
	cover := []byte("jpeg bytes for b1")
	if _, err := srcMedia.Write(ctx, "covers/b1.jpg", bytes.NewReader(cover)); err != nil {
		t.Fatalf("writing media: %v", err)
	}

	tx, _ := src.Begin(ctx)
	book, _ := tx.Get(ctx, "book", "b1")
	book["cover"] = "covers/b1.jpg"
	if err := tx.Update(ctx, "book", "b1", book); err != nil {
		t.Fatalf("updating book: %v", err)
	}
	tx.Commit(ctx)

	var buf bytes.Buffer
	result, err := NewExporter(src, reg, srcMedia, "source").Export(ctx, &buf, ExportOptions{IncludeMedia: true}, nil)
	if err != nil {
		t.Fatalf("exporting: %v", err)
	}
	if result.Files != 1 || result.Bytes != int64(len(cover)) {
		t.Errorf("files %d bytes %d", result.Files, result.Bytes)
	}
	if archive.Sniff(buf.Bytes()) != archive.ContainerTarGzip {
		t.Fatal("media export should produce a packaged archive")
	}

	dst := store.NewMemory(reg)
	dstMedia, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating media store: %v", err)
	}
	imported, err := NewImporter(dst, reg, dstMedia).ImportAll(ctx, buf.Bytes(), ImportOptions{}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if imported.MediaWritten != 1 {
		t.Errorf("media written %d, warnings %v", imported.MediaWritten, imported.Warnings)
	}

	rc, err := dstMedia.Open(ctx, "covers/b1.jpg")
	if err != nil {
		t.Fatalf("opening imported media: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading imported media: %v", err)
	}
	if !bytes.Equal(got, cover) {
		t.Errorf("media bytes differ")
	}
}

func TestImportSkipMedia(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	src := seedLibrary(t, reg)

	srcMedia, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating media store: %v", err)
	}
	if _, err := srcMedia.Write(ctx, "covers/b1.jpg", bytes.NewReader([]byte("jpeg bytes"))); err != nil {
		t.Fatalf("writing media: %v", err)
	}
	tx, _ := src.Begin(ctx)
	book, _ := tx.Get(ctx, "book", "b1")
	book["cover"] = "covers/b1.jpg"
	if err := tx.Update(ctx, "book", "b1", book); err != nil {
		t.Fatalf("updating book: %v", err)
	}
	tx.Commit(ctx)

	var buf bytes.Buffer
	if _, err := NewExporter(src, reg, srcMedia, "source").Export(ctx, &buf, ExportOptions{IncludeMedia: true}, nil); err != nil {
		t.Fatalf("exporting: %v", err)
	}

	dst := store.NewMemory(reg)
	dstMedia, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating media store: %v", err)
	}
	result, err := NewImporter(dst, reg, dstMedia).ImportAll(ctx, buf.Bytes(), ImportOptions{SkipMedia: true}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if result.Created != 6 {
		t.Errorf("records should land regardless of media: %+v", result)
	}
	if result.MediaWritten != 0 {
		t.Errorf("media written %d despite skip", result.MediaWritten)
	}
	if ok, _ := dstMedia.Exists(ctx, "covers/b1.jpg"); ok {
		t.Error("media file extracted despite skip")
	}
}

func TestImportMediaChecksumMismatchIsAWarning(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)

	// Stage an archive whose media bytes do not match the recorded
	// checksum.
	payload := archive.NewPayload("source", "memory")
	payload.Models["author"] = []record.Record{{"id": "a1", "name": "x"}}
	payload.MediaFiles["docs/a.txt"] = archive.MediaFile{
		Size:     5,
		Checksum: record.ChecksumBytes([]byte("expected")),
		Model:    "author",
		Field:    "cover",
		ObjectID: "a1",
	}
	payload.FillStatistics()

	dir := t.TempDir()
	pf, err := os.Create(filepath.Join(dir, archive.PayloadName))
	if err != nil {
		t.Fatalf("staging payload: %v", err)
	}
	if err := archive.EncodeJSON(pf, payload, true); err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	pf.Close()
	if err := os.MkdirAll(filepath.Join(dir, "media", "docs"), 0755); err != nil {
		t.Fatalf("staging media dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "media", "docs", "a.txt"), []byte("wrong"), 0644); err != nil {
		t.Fatalf("staging media: %v", err)
	}
	var buf bytes.Buffer
	if err := archive.PackDirectory(&buf, dir); err != nil {
		t.Fatalf("packing: %v", err)
	}

	dst := store.NewMemory(reg)
	dstMedia, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating media store: %v", err)
	}
	result, err := NewImporter(dst, reg, dstMedia).ImportAll(ctx, buf.Bytes(), ImportOptions{SkipVerify: true}, nil)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("record import should survive a media problem: %+v", result)
	}
	if result.MediaWritten != 0 {
		t.Errorf("mismatched media counted as written")
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a checksum warning")
	}
}

func TestVerifierFindsOrphanReferences(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)

	st := store.NewMemory(reg)
	seed(t, st, "book", record.Record{"id": "b1", "title": "orphan", "isbn": "111", "author": "missing"})

	payload := archive.NewPayload("source", "memory")
	payload.Models["book"] = []record.Record{{"id": "b1"}}
	payload.FillStatistics()

	report := NewVerifier(st, reg, nil).Verify(ctx, payload)
	if report.OK() {
		t.Fatal("expected a problem for the dangling reference")
	}
	found := false
	for _, p := range report.Problems {
		if p == "book b1: author points at missing author missing" {
			found = true
		}
	}
	if !found {
		t.Errorf("problems %v", report.Problems)
	}
}

func TestVerifierCounts(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)

	st := store.NewMemory(reg)
	seed(t, st, "tag",
		record.Record{"id": "t1", "name": "a"},
		record.Record{"id": "t2", "name": "b"},
	)

	payload := archive.NewPayload("source", "memory")
	payload.Statistics = archive.Statistics{archive.CountKey("tag"): 3}
	report := NewVerifier(st, reg, nil).Verify(ctx, payload)
	if report.OK() {
		t.Error("fewer records than claimed must be a problem")
	}

	payload.Statistics = archive.Statistics{archive.CountKey("tag"): 1}
	report = NewVerifier(st, reg, nil).Verify(ctx, payload)
	if !report.OK() {
		t.Errorf("surplus records must only warn, got %v", report.Problems)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a surplus warning")
	}
}

// racingTx hides existing records from lookups until the first insert has
// gone through, imitating a concurrent writer creating the record between
// the existence check and the insert.
type racingTx struct {
	store.Tx
	inserts int
}

func (r *racingTx) Get(ctx context.Context, kind, pk string) (record.Record, error) {
	if r.inserts == 0 {
		return nil, store.ErrNotFound
	}
	return r.Tx.Get(ctx, kind, pk)
}

func (r *racingTx) FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error) {
	if r.inserts == 0 {
		return nil, store.ErrNotFound
	}
	return r.Tx.FindBy(ctx, kind, match)
}

func (r *racingTx) Insert(ctx context.Context, kind string, rec record.Record) error {
	r.inserts++
	return r.Tx.Insert(ctx, kind, rec)
}

func TestResolverCreationRaceRecheck(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)
	k, _ := reg.Kind("author")

	t.Run("Overwrite Wins", func(t *testing.T) {
		st := store.NewMemory(reg)
		seed(t, st, "author", record.Record{"id": "a1", "name": "existing"})
		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatalf("opening transaction: %v", err)
		}
		defer tx.Rollback(ctx)

		res, err := newResolver(Overwrite)
		if err != nil {
			t.Fatalf("building resolver: %v", err)
		}
		outcome, err := res.apply(ctx, &racingTx{Tx: tx}, k, record.Record{"id": "a1", "name": "winner"})
		if err != nil {
			t.Fatalf("applying record: %v", err)
		}
		if outcome != outcomeUpdated {
			t.Errorf("outcome = %v, want updated", outcome)
		}
		got, err := tx.Get(ctx, "author", "a1")
		if err != nil {
			t.Fatalf("getting record: %v", err)
		}
		if got["name"] != "winner" {
			t.Errorf("record not overwritten after recheck: %v", got)
		}
	})

	t.Run("Skip Keeps Existing", func(t *testing.T) {
		st := store.NewMemory(reg)
		seed(t, st, "author", record.Record{"id": "a1", "name": "existing"})
		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatalf("opening transaction: %v", err)
		}
		defer tx.Rollback(ctx)

		res, err := newResolver(Skip)
		if err != nil {
			t.Fatalf("building resolver: %v", err)
		}
		outcome, err := res.apply(ctx, &racingTx{Tx: tx}, k, record.Record{"id": "a1", "name": "loser"})
		if err != nil {
			t.Fatalf("applying record: %v", err)
		}
		if outcome != outcomeSkipped {
			t.Errorf("outcome = %v, want skipped", outcome)
		}
		got, err := tx.Get(ctx, "author", "a1")
		if err != nil {
			t.Fatalf("getting record: %v", err)
		}
		if got["name"] != "existing" {
			t.Errorf("skip replaced the record after recheck: %v", got)
		}
	})
}

func TestVerifierAuditsLiveFiles(t *testing.T) {
	ctx := context.Background()
	reg := libraryRegistry(t)

	st := store.NewMemory(reg)
	seed(t, st, "author", record.Record{"id": "a1", "name": "x"})
	seed(t, st, "book",
		record.Record{"id": "b1", "title": "kept", "isbn": "111", "author": "a1", "cover": "covers/b1.jpg"},
		record.Record{"id": "b2", "title": "lost", "isbn": "222", "author": "a1", "cover": "covers/b2.jpg"},
	)

	media, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("creating media store: %v", err)
	}
	if _, err := media.Write(ctx, "covers/b1.jpg", bytes.NewReader([]byte("jpeg"))); err != nil {
		t.Fatalf("writing media: %v", err)
	}

	// The archive's own inventory no longer matters; the live records drive
	// the audit.
	payload := archive.NewPayload("source", "memory")
	payload.FillStatistics()

	report := NewVerifier(st, reg, media).Verify(ctx, payload)
	if report.OK() {
		t.Fatal("expected a problem for the missing cover file")
	}
	if report.FilesChecked != 1 {
		t.Errorf("files checked %d, want 1", report.FilesChecked)
	}
	found := false
	for _, p := range report.Problems {
		if strings.Contains(p, "covers/b2.jpg") {
			found = true
		}
	}
	if !found {
		t.Errorf("problems %v", report.Problems)
	}

	// The audit can be switched off.
	report = NewVerifier(st, reg, media).WithFileChecks(false).Verify(ctx, payload)
	if !report.OK() || report.FilesChecked != 0 {
		t.Errorf("disabled audit still checked files: %+v", report)
	}
}

func TestResolverStrategyValidation(t *testing.T) {
	if _, err := newResolver("upsert"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	r, err := newResolver("")
	if err != nil {
		t.Fatalf("default strategy: %v", err)
	}
	if r.strategy != Skip {
		t.Errorf("default strategy %q", r.strategy)
	}
}
