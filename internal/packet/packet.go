// Package packet implements the Knowledge Packet: the typed, validated
// intermediate representation that extractors produce and the Packet
// Processor consumes. JSON is the canonical on-wire form.
package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bruised-ego-labs/nancy/internal/nerr"
)

// SupportedMajorVersion is the only packet_version major version this
// build accepts; validate rejects anything else.1.
const SupportedMajorVersion = "1"

// PriorityBrain selects which brain a packet's fragments are routed to
// when the extractor knows better than auto-detection.
type PriorityBrain string

const (
	PriorityVector     PriorityBrain = "vector"
	PriorityAnalytical PriorityBrain = "analytical"
	PriorityGraph      PriorityBrain = "graph"
	PriorityAuto       PriorityBrain = "auto"
)

// Source describes provenance of the extracted content.
type Source struct {
	ExtractorName    string `json:"extractor_name"`
	ExtractorVersion string `json:"extractor_version"`
	OriginalLocation string `json:"original_location"`
	ContentType      string `json:"content_type"`
	ExtractionMethod string `json:"extraction_method"`
}

// Metadata is the common descriptive envelope for a document.
type Metadata struct {
	Title    string            `json:"title"`
	Author   string            `json:"author,omitempty"`
	FileSize *int64            `json:"file_size,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Chunk is one unit of vectorizable text.
type Chunk struct {
	ChunkID        string            `json:"chunk_id"`
	Text           string            `json:"text"`
	ChunkMetadata  map[string]string `json:"chunk_metadata,omitempty"`
}

// VectorData carries chunked text destined for the vector brain.
type VectorData struct {
	Chunks        []Chunk `json:"chunks"`
	EmbeddingModel string `json:"embedding_model"`
	ChunkStrategy  string `json:"chunk_strategy"`
}

// Table is one named tabular fragment (e.g. a spreadsheet sheet).
type Table struct {
	Name string                   `json:"name"`
	Rows []map[string]interface{} `json:"rows"`
}

// TimeSeries is an optional ordered numeric series attached to a document.
type TimeSeries struct {
	Name   string    `json:"name"`
	Times  []string  `json:"times"`
	Values []float64 `json:"values"`
}

// AnalyticalData carries structured fields and tabular fragments
// destined for the analytical brain.
type AnalyticalData struct {
	StructuredFields map[string]interface{} `json:"structured_fields,omitempty"`
	TableData        []Table                `json:"table_data,omitempty"`
	TimeSeries       []TimeSeries           `json:"time_series,omitempty"`
	Statistics       map[string]float64      `json:"statistics,omitempty"`
}

// EntityRef names an entity by label and name, as used on both ends of
// a relationship.
type EntityRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Entity is a graph node candidate extracted from the content.
type Entity struct {
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
}

// Relationship is a graph edge candidate extracted from the content.
type Relationship struct {
	Source       EntityRef         `json:"source"`
	Relationship string            `json:"relationship"`
	Target       EntityRef         `json:"target"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// GraphData carries entity/relationship candidates destined for the
// graph brain.
type GraphData struct {
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Context       string         `json:"context,omitempty"`
}

// ProcessingHints lets an extractor steer routing when it knows better
// than sub-type population alone.
type ProcessingHints struct {
	PriorityBrain         PriorityBrain `json:"priority_brain,omitempty"`
	SemanticWeight        float64       `json:"semantic_weight,omitempty"`
	ContentClassification string        `json:"content_classification,omitempty"`
}

// QualityMetrics describes the extractor's confidence in its own output.
type QualityMetrics struct {
	ExtractionConfidence float64 `json:"extraction_confidence,omitempty"`
	ContentCompleteness  float64 `json:"content_completeness,omitempty"`
}

// Content is the union of populatable sub-types. At least one must be
// non-nil for a packet to validate.
type Content struct {
	VectorData     *VectorData     `json:"vector_data,omitempty"`
	AnalyticalData *AnalyticalData `json:"analytical_data,omitempty"`
	GraphData      *GraphData      `json:"graph_data,omitempty"`
}

// Packet is the central intermediate form.
type Packet struct {
	PacketID       string           `json:"packet_id"`
	PacketVersion  string           `json:"packet_version"`
	Timestamp      time.Time        `json:"timestamp"`
	Source         Source           `json:"source"`
	Metadata       Metadata         `json:"metadata"`
	Content        Content          `json:"content"`
	ProcessingHints *ProcessingHints `json:"processing_hints,omitempty"`
	QualityMetrics  *QualityMetrics  `json:"quality_metrics,omitempty"`
}

// HasVectorData reports whether the vector sub-type is populated.
func (p *Packet) HasVectorData() bool {
	return p.Content.VectorData != nil && len(p.Content.VectorData.Chunks) > 0
}

// HasAnalyticalData reports whether the analytical sub-type is populated.
func (p *Packet) HasAnalyticalData() bool {
	if p.Content.AnalyticalData == nil {
		return false
	}
	d := p.Content.AnalyticalData
	return len(d.StructuredFields) > 0 || len(d.TableData) > 0 || len(d.TimeSeries) > 0 || len(d.Statistics) > 0
}

// HasGraphData reports whether the graph sub-type is populated.
func (p *Packet) HasGraphData() bool {
	if p.Content.GraphData == nil {
		return false
	}
	d := p.Content.GraphData
	return len(d.Entities) > 0 || len(d.Relationships) > 0
}

// Validate checks version compatibility, required fields, sub-type
// presence, and type conformance. It never panics:
// every failure is surfaced as a *nerr.ValidationError.
func Validate(p *Packet) (bool, *nerr.ValidationError) {
	if p == nil {
		return false, &nerr.ValidationError{Path: "packet", Reason: "packet is nil"}
	}
	if p.PacketID == "" {
		return false, &nerr.ValidationError{Path: "packet_id", Reason: "must not be empty"}
	}
	major, err := majorVersion(p.PacketVersion)
	if err != nil {
		return false, &nerr.ValidationError{Path: "packet_version", Reason: err.Error()}
	}
	if major != SupportedMajorVersion {
		return false, &nerr.ValidationError{Path: "packet_version", Reason: "unsupported major version " + major}
	}
	if p.Timestamp.IsZero() {
		return false, &nerr.ValidationError{Path: "timestamp", Reason: "must not be zero"}
	}
	if p.Source.ExtractorName == "" {
		return false, &nerr.ValidationError{Path: "source.extractor_name", Reason: "must not be empty"}
	}
	if p.Source.OriginalLocation == "" {
		return false, &nerr.ValidationError{Path: "source.original_location", Reason: "must not be empty"}
	}
	if p.Source.ContentType == "" {
		return false, &nerr.ValidationError{Path: "source.content_type", Reason: "must not be empty"}
	}
	if !p.HasVectorData() && !p.HasAnalyticalData() && !p.HasGraphData() {
		return false, &nerr.ValidationError{Path: "content", Reason: "at least one content sub-type must be populated"}
	}
	if p.Content.VectorData != nil {
		for i, c := range p.Content.VectorData.Chunks {
			if c.ChunkID == "" {
				return false, &nerr.ValidationError{Path: "content.vector_data.chunks[" + strconv.Itoa(i) + "].chunk_id", Reason: "must not be empty"}
			}
		}
	}
	if p.Content.GraphData != nil {
		for i, e := range p.Content.GraphData.Entities {
			if e.Type == "" || e.Name == "" {
				return false, &nerr.ValidationError{Path: "content.graph_data.entities[" + strconv.Itoa(i) + "]", Reason: "type and name are required"}
			}
		}
		for i, r := range p.Content.GraphData.Relationships {
			if r.Source.Name == "" || r.Target.Name == "" || r.Relationship == "" {
				return false, &nerr.ValidationError{Path: "content.graph_data.relationships[" + strconv.Itoa(i) + "]", Reason: "source, target, and relationship are required"}
			}
		}
	}
	if p.ProcessingHints != nil && p.ProcessingHints.PriorityBrain != "" {
		switch p.ProcessingHints.PriorityBrain {
		case PriorityVector, PriorityAnalytical, PriorityGraph, PriorityAuto:
		default:
			return false, &nerr.ValidationError{Path: "processing_hints.priority_brain", Reason: "unknown value " + string(p.ProcessingHints.PriorityBrain)}
		}
	}
	return true, nil
}

func majorVersion(v string) (string, error) {
	if v == "" {
		return "", errEmptyVersion
	}
	parts := strings.SplitN(v, ".", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", errMalformedVersion
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return "", errMalformedVersion
	}
	return parts[0], nil
}

var (
	errEmptyVersion     = malformedVersionError("packet_version must not be empty")
	errMalformedVersion = malformedVersionError("packet_version is not a semver string")
)

type malformedVersionError string

func (e malformedVersionError) Error() string { return string(e) }

// Marshal encodes a packet to its canonical JSON wire form.
func Marshal(p *Packet) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes a packet from its canonical JSON wire form. Callers
// that need validation should call Validate afterward; Unmarshal itself
// only checks that the bytes are well-formed JSON matching the shape.
func Unmarshal(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ContentHash returns the content-addressed identity of a document:
// the hash of (filename, bytes).
func ContentHash(filename string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkID derives a stable chunk identifier from a document ID and an
// ordinal.
func ChunkID(docID string, ordinal int) string {
	return docID + ":" + strconv.Itoa(ordinal)
}

// NewPacketID computes the content-addressed packet_id: a stable hash
// of source location plus extraction timestamp.
func NewPacketID(originalLocation string, extractedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(originalLocation))
	h.Write([]byte{0})
	h.Write([]byte(extractedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// LegacyFields is a flattened shape predating Knowledge Packets: a
// single document with plain text, optional structured fields, and
// optional entity mentions, all routed through one brain each rather
// than declared sub-types. FromLegacyFields lets an older caller (or a
// simple extractor) construct a valid packet without assembling the
// full Content union by hand.
type LegacyFields struct {
	OriginalLocation string
	ExtractorName    string
	ContentType      string
	Title            string
	Author           string
	Text             string
	ChunkSize        int
	StructuredFields map[string]interface{}
	Entities         []Entity
}

// FromLegacyFields builds a Packet from the flattened legacy shape,
// chunking Text at ChunkSize boundaries (default 1000 runes) when
// present.
func FromLegacyFields(lf LegacyFields, now time.Time) *Packet {
	docID := ContentHash(lf.OriginalLocation, []byte(lf.Text))
	p := &Packet{
		PacketID:      NewPacketID(lf.OriginalLocation, now),
		PacketVersion: "1.0.0",
		Timestamp:     now.UTC(),
		Source: Source{
			ExtractorName:    lf.ExtractorName,
			ExtractorVersion: "legacy",
			OriginalLocation: lf.OriginalLocation,
			ContentType:      lf.ContentType,
			ExtractionMethod: "legacy_adapter",
		},
		Metadata: Metadata{Title: lf.Title, Author: lf.Author},
	}

	if lf.Text != "" {
		size := lf.ChunkSize
		if size <= 0 {
			size = 1000
		}
		runes := []rune(lf.Text)
		var chunks []Chunk
		for i, ord := 0, 0; i < len(runes); i, ord = i+size, ord+1 {
			end := i + size
			if end > len(runes) {
				end = len(runes)
			}
			chunks = append(chunks, Chunk{
				ChunkID: ChunkID(docID, ord),
				Text:    string(runes[i:end]),
			})
		}
		p.Content.VectorData = &VectorData{Chunks: chunks, ChunkStrategy: "fixed_size"}
	}

	if len(lf.StructuredFields) > 0 {
		p.Content.AnalyticalData = &AnalyticalData{StructuredFields: lf.StructuredFields}
	}

	if len(lf.Entities) > 0 {
		p.Content.GraphData = &GraphData{Entities: lf.Entities}
	}

	return p
}
