// Package archive defines the portable export format: a self-describing
// JSON payload, optionally gzip-compressed, optionally packaged in a gzip
// tar alongside the referenced media bytes. Consumers detect the container
// by content, never by file extension.
package archive

import (
	"time"

	"github.com/soltura/migrate/internal/record"
)

// Version is the current payload format version.
const Version = "1.0.0"

// PayloadName is the payload entry at the root of a packaged archive.
const PayloadName = "data.json.gz"

// MediaPrefix is the tar tree holding media bytes, mirroring live paths.
const MediaPrefix = "media/"

// MediaFile is the metadata kept for one referenced file.
type MediaFile struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	URL      string `json:"url,omitempty"`
	Model    string `json:"model"`
	Field    string `json:"field"`
	ObjectID string `json:"object_id"`
}

// Statistics carries the per-kind and aggregate counts of a payload.
type Statistics map[string]int64

// Statistic keys.
const (
	StatTotalModels    = "total_models"
	StatTotalRecords   = "total_records"
	StatTotalFiles     = "total_files"
	StatTotalMediaSize = "total_media_size_bytes"
	countPrefix        = "count_"
)

// CountKey returns the statistics key holding a kind's record count.
func CountKey(kind string) string {
	return countPrefix + kind
}

// KindCounts returns the per-kind counts in a statistics map.
func (s Statistics) KindCounts() map[string]int64 {
	counts := make(map[string]int64)
	for key, n := range s {
		if len(key) > len(countPrefix) && key[:len(countPrefix)] == countPrefix {
			counts[key[len(countPrefix):]] = n
		}
	}
	return counts
}

// Payload is the plain form of an archive.
type Payload struct {
	Version           string                     `json:"version"`
	ExportDate        time.Time                  `json:"export_date"`
	SourceEnvironment string                     `json:"source_environment"`
	DatabaseVersion   string                     `json:"database_version"`
	Models            map[string][]record.Record `json:"models"`
	MediaFiles        map[string]MediaFile       `json:"media_files"`
	Statistics        Statistics                 `json:"statistics"`
}

// NewPayload returns an empty payload stamped with the current version.
func NewPayload(environment, databaseVersion string) *Payload {
	return &Payload{
		Version:           Version,
		ExportDate:        time.Now().UTC(),
		SourceEnvironment: environment,
		DatabaseVersion:   databaseVersion,
		Models:            make(map[string][]record.Record),
		MediaFiles:        make(map[string]MediaFile),
		Statistics:        make(Statistics),
	}
}

// FillStatistics recomputes the aggregate and per-kind statistics.
func (p *Payload) FillStatistics() {
	stats := make(Statistics)
	var totalRecords int64
	for kind, records := range p.Models {
		stats[CountKey(kind)] = int64(len(records))
		totalRecords += int64(len(records))
	}
	stats[StatTotalModels] = int64(len(p.Models))
	stats[StatTotalRecords] = totalRecords
	stats[StatTotalFiles] = int64(len(p.MediaFiles))
	var mediaBytes int64
	for _, mf := range p.MediaFiles {
		mediaBytes += mf.Size
	}
	stats[StatTotalMediaSize] = mediaBytes
	p.Statistics = stats
}
