package archive

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OCRSource identifies which collaborator produced a document's full text.
type OCRSource string

const (
	OCRSourceEmbedded OCRSource = "embedded"
	OCRSourceService  OCRSource = "service"
	OCRSourceOnDevice OCRSource = "onDevice"
)

// PageState tracks per-page OCR processing.
type PageState struct {
	PageNumber int  `json:"pageNumber"`
	NeedsOCR   bool `json:"needsOCR"`
}

// Metadata is the structured record stored in every container.
type Metadata struct {
	ID                   uuid.UUID   `json:"id"`
	Title                string      `json:"title"`
	Created              time.Time   `json:"created"`
	Modified             time.Time   `json:"modified"`
	PageCount            int         `json:"pageCount"`
	Tags                 []string    `json:"tags"`
	OCRCompleted         bool        `json:"ocrCompleted"`
	FullText             *string     `json:"fullText,omitempty"`
	OCRConfidence        *float64    `json:"ocrConfidence,omitempty"`
	OCRSource            *OCRSource  `json:"ocrSource,omitempty"`
	PageProcessingStates []PageState `json:"pageProcessingStates"`
}

// NewMetadata returns metadata for a fresh document with a new id.
// Every page starts as needing OCR.
func NewMetadata(title string, pageCount int, now time.Time) Metadata {
	now = now.UTC()
	states := make([]PageState, pageCount)
	for i := range states {
		states[i] = PageState{PageNumber: i + 1, NeedsOCR: true}
	}
	return Metadata{
		ID:                   uuid.New(),
		Title:                title,
		Created:              now,
		Modified:             now,
		PageCount:            pageCount,
		Tags:                 []string{},
		PageProcessingStates: states,
	}
}

// Text returns the recognized full text, or "" when none is recorded.
func (m *Metadata) Text() string {
	if m.FullText == nil {
		return ""
	}
	return *m.FullText
}

// AddTag inserts a tag, keeping tags sorted and unique.
func (m *Metadata) AddTag(tag string) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return
	}
	i := sort.SearchStrings(m.Tags, tag)
	if i < len(m.Tags) && m.Tags[i] == tag {
		return
	}
	m.Tags = append(m.Tags, "")
	copy(m.Tags[i+1:], m.Tags[i:])
	m.Tags[i] = tag
}

// ApplyOCR records recognized text and marks every page processed.
func (m *Metadata) ApplyOCR(text string, confidence float64, source OCRSource, now time.Time) {
	m.FullText = &text
	m.OCRConfidence = &confidence
	m.OCRSource = &source
	m.OCRCompleted = true
	for i := range m.PageProcessingStates {
		m.PageProcessingStates[i].NeedsOCR = false
	}
	m.Modified = now.UTC()
}

// IsPlaceholder reports whether the metadata describes an empty document.
func (m *Metadata) IsPlaceholder() bool {
	return m.PageCount == 0
}
