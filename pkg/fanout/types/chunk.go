/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import (
	"fmt"
	"time"
)

// Record is a single air-quality observation. The engine forwards records untouched.
type Record struct {
	Latitude         float64 `cbor:"latitude" json:"latitude"`
	Longitude        float64 `cbor:"longitude" json:"longitude"`
	Timestamp        string  `cbor:"timestamp" json:"timestamp"`
	Pollutant        string  `cbor:"pollutant" json:"pollutant"`
	Concentration    float64 `cbor:"concentration" json:"concentration"`
	Unit             string  `cbor:"unit" json:"unit"`
	RawConcentration float64 `cbor:"raw_concentration" json:"rawConcentration"`
	AQI              int32   `cbor:"aqi" json:"aqi"`
	AQICategory      int32   `cbor:"aqi_category" json:"aqiCategory"`
	SiteName         string  `cbor:"site_name" json:"siteName"`
	Agency           string  `cbor:"agency" json:"agency"`
	SiteID           string  `cbor:"site_id" json:"siteId"`
	FullSiteID       string  `cbor:"full_site_id" json:"fullSiteId"`
}

// BoundingBox is an inclusive latitude/longitude rectangle.
type BoundingBox struct {
	LatMin float64 `cbor:"lat_min" json:"latMin"`
	LatMax float64 `cbor:"lat_max" json:"latMax"`
	LonMin float64 `cbor:"lon_min" json:"lonMin"`
	LonMax float64 `cbor:"lon_max" json:"lonMax"`
}

// WholeWorld is the bounding box used when a query does not restrict coordinates.
var WholeWorld = BoundingBox{LatMin: -90, LatMax: 90, LonMin: -180, LonMax: 180}

// Query is the client's predicate. Filtering happens on the workers; the engine only carries it.
type Query struct {
	RequestID     string      `cbor:"request_id" json:"requestId"`
	DateStart     string      `cbor:"date_start" json:"dateStart"`
	DateEnd       string      `cbor:"date_end" json:"dateEnd"`
	PollutantType string      `cbor:"pollutant_type,omitempty" json:"pollutantType,omitempty"`
	Bounds        BoundingBox `cbor:"bounds" json:"bounds"`
	// MaxRecords caps the records each worker returns. Zero or negative means no cap.
	MaxRecords int32 `cbor:"max_records" json:"maxRecords"`
	// ChunkSize is the number of records per chunk requested from workers. Zero leaves it to the workers.
	ChunkSize int32 `cbor:"chunk_size" json:"chunkSize"`
}

// Validate checks the fields the engine relies on.
func (q Query) Validate() error {
	if q.DateStart == "" || q.DateEnd == "" {
		return fmt.Errorf("query %q must set both date_start and date_end", q.RequestID)
	}
	if q.DateStart > q.DateEnd {
		return fmt.Errorf("query %q has date_start %q after date_end %q", q.RequestID, q.DateStart, q.DateEnd)
	}
	b := q.Bounds
	if b.LatMin > b.LatMax || b.LonMin > b.LonMax {
		return fmt.Errorf("query %q has an inverted bounding box %+v", q.RequestID, b)
	}
	return nil
}

// Chunk is an ordered batch of records produced by one source for one request.
//
// Within a source, sequence numbers start at 0 and increase by one; exactly one chunk per source carries `Final`.
// ArrivalTime is stamped by the FeederQueue when the chunk is accepted, not by the producer.
type Chunk struct {
	RequestID     string
	SourceProcess string
	Sequence      int64
	Records       []Record
	Final         bool
	ArrivalTime   time.Time
}

// RecordCount returns the number of records carried by the chunk. A nil chunk has no records.
func (c *Chunk) RecordCount() int {
	if c == nil {
		return 0
	}
	return len(c.Records)
}

// Volume is the amount of data delivered or buffered, counted both ways so either fairness unit can be derived.
type Volume struct {
	Chunks  uint64
	Records uint64
}

// Add returns the sum of two volumes.
func (v Volume) Add(o Volume) Volume {
	return Volume{Chunks: v.Chunks + o.Chunks, Records: v.Records + o.Records}
}

// In returns the volume expressed in the given unit.
func (v Volume) In(unit VolumeUnit) uint64 {
	if unit == VolumeUnitChunks {
		return v.Chunks
	}
	return v.Records
}

// VolumeOf returns the volume of a single chunk.
func VolumeOf(c *Chunk) Volume {
	if c == nil {
		return Volume{}
	}
	return Volume{Chunks: 1, Records: uint64(len(c.Records))}
}

// VolumeUnit selects how volume is measured for capacity and fairness accounting.
type VolumeUnit string

const (
	// VolumeUnitRecords counts records. It is the default because chunk sizes vary between teams.
	VolumeUnitRecords VolumeUnit = "records"
	// VolumeUnitChunks counts chunks regardless of their size.
	VolumeUnitChunks VolumeUnit = "chunks"
)

// ParseVolumeUnit converts a configuration string to a VolumeUnit.
func ParseVolumeUnit(s string) (VolumeUnit, error) {
	switch VolumeUnit(s) {
	case VolumeUnitRecords, "":
		return VolumeUnitRecords, nil
	case VolumeUnitChunks:
		return VolumeUnitChunks, nil
	default:
		return "", fmt.Errorf("unknown volume unit %q, expected %q or %q", s, VolumeUnitRecords, VolumeUnitChunks)
	}
}

// Size returns the size of a chunk in the given unit.
func (u VolumeUnit) Size(c *Chunk) int {
	if u == VolumeUnitChunks {
		return 1
	}
	return c.RecordCount()
}
