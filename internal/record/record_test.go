package record

import (
	"bytes"
	"testing"
	"time"

	"github.com/soltura/migrate/internal/schema"
)

func TestCoerce(t *testing.T) {
	t.Run("Int", func(t *testing.T) {
		cases := []struct {
			in   any
			want int64
		}{
			{42, 42},
			{int64(7), 7},
			{float64(3), 3},
			{"19", 19},
			{"19.0", 19},
		}
		for _, c := range cases {
			got, err := Coerce(schema.TypeInt, c.in)
			if err != nil {
				t.Fatalf("coercing %v: %v", c.in, err)
			}
			if got != c.want {
				t.Errorf("coercing %v: got %v want %v", c.in, got, c.want)
			}
		}
		if _, err := Coerce(schema.TypeInt, "not a number"); err == nil {
			t.Error("expected error for unparsable int")
		}
	})

	t.Run("Bool", func(t *testing.T) {
		for _, s := range []string{"true", "1", "yes"} {
			got, err := Coerce(schema.TypeBool, s)
			if err != nil {
				t.Fatalf("coercing %q: %v", s, err)
			}
			if got != true {
				t.Errorf("coercing %q: got %v", s, got)
			}
		}
		got, err := Coerce(schema.TypeBool, "")
		if err != nil {
			t.Fatalf("coercing empty string: %v", err)
		}
		if got != false {
			t.Errorf("empty string should coerce to false, got %v", got)
		}
		if _, err := Coerce(schema.TypeBool, "maybe"); err == nil {
			t.Error("expected error for unparsable bool")
		}
	})

	t.Run("Time", func(t *testing.T) {
		got, err := Coerce(schema.TypeTime, "2025-06-01T12:00:00Z")
		if err != nil {
			t.Fatalf("coercing time: %v", err)
		}
		ts, ok := got.(time.Time)
		if !ok || ts.Year() != 2025 {
			t.Errorf("got %v", got)
		}
	})

	t.Run("UUID", func(t *testing.T) {
		id := "7b7e9df0-3f2a-4a6b-9a3f-0f1f0c9d2e11"
		got, err := Coerce(schema.TypeUUID, id)
		if err != nil {
			t.Fatalf("coercing uuid: %v", err)
		}
		if got != id {
			t.Errorf("got %v", got)
		}
		if _, err := Coerce(schema.TypeUUID, "nope"); err == nil {
			t.Error("expected error for invalid uuid")
		}
	})

	t.Run("Decimal", func(t *testing.T) {
		// JSON hands decimals over as float64; they must come back as
		// plain strings without exponent notation.
		got, err := Coerce(schema.TypeDecimal, float64(19.99))
		if err != nil {
			t.Fatalf("coercing decimal: %v", err)
		}
		if got != "19.99" {
			t.Errorf("got %v", got)
		}
	})
}

func TestIsEmpty(t *testing.T) {
	empty := []any{nil, "", []any{}, []string{}}
	for _, v := range empty {
		if !IsEmpty(v) {
			t.Errorf("%#v should be empty", v)
		}
	}
	full := []any{"x", 0, false, []any{"a"}, []string{"a"}}
	for _, v := range full {
		if IsEmpty(v) {
			t.Errorf("%#v should not be empty", v)
		}
	}
}

func TestFlattenReferences(t *testing.T) {
	k := schema.Kind{
		Name:       "book",
		PrimaryKey: "id",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString},
			{Name: "author", Type: schema.TypeString, Ref: "author"},
			{Name: "publisher", Type: schema.TypeString, Ref: "publisher"},
		},
	}

	rec := Record{
		"id":        "1",
		"author":    map[string]any{"id": float64(7), "name": "someone"},
		"publisher": float64(3),
	}
	flat := FlattenReferences(k, rec)
	if flat["author"] != "7" {
		t.Errorf("nested reference should reduce to its id, got %v", flat["author"])
	}
	if flat["publisher"] != "3" {
		t.Errorf("scalar reference should stringify, got %v", flat["publisher"])
	}
	// The input record stays untouched.
	if _, ok := rec["author"].(map[string]any); !ok {
		t.Error("flattening must not mutate the input record")
	}
}

func TestIDList(t *testing.T) {
	if got := IDList(nil); got != nil {
		t.Errorf("nil should stay nil, got %v", got)
	}
	got := IDList([]any{float64(1), "2", map[string]any{"id": float64(3)}})
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Errorf("got %v", got)
	}
	passthrough := IDList([]string{"a", "b"})
	if len(passthrough) != 2 {
		t.Errorf("got %v", passthrough)
	}
}

func TestScalarDump(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dump := ScalarDump(Record{"at": ts, "n": int64(5), "name": "x"})
	if dump["at"] != "2025-06-01T12:00:00Z" {
		t.Errorf("time should dump as RFC3339, got %v", dump["at"])
	}
	if dump["n"] != int64(5) || dump["name"] != "x" {
		t.Errorf("scalars should pass through, got %v", dump)
	}
}

func TestChecksum(t *testing.T) {
	data := []byte("hello media")
	sum := ChecksumBytes(data)
	if len(sum) != len(ChecksumPrefix)+32 {
		t.Fatalf("unexpected checksum form %q", sum)
	}

	streamed, err := Checksum(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("hashing reader: %v", err)
	}
	if streamed != sum {
		t.Errorf("reader and byte checksums differ: %s vs %s", streamed, sum)
	}

	if !ChecksumEqual(sum, sum[len(ChecksumPrefix):]) {
		t.Error("comparison should tolerate a missing prefix")
	}
	if ChecksumEqual(sum, ChecksumBytes([]byte("other"))) {
		t.Error("different content should not compare equal")
	}
}

func TestFormatSize(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
	}
	for _, c := range cases {
		if got := FormatSize(c.in); got != c.want {
			t.Errorf("FormatSize(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}
