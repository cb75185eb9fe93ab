package crawler

import (
	"net/http"
	"time"
)

// CrawlTask is a pending fetch owned by the frontier. Retry state lives on the
// task itself so the frontier can schedule it without external timers.
type CrawlTask struct {
	Source       string
	URL          string
	Attempt      int
	NextEligible time.Time
	Depth        int
	// Revisit marks seed/listing pages that are fetched on every seeding pass
	// and therefore never recorded as completed.
	Revisit bool
}

// RawDocument is the transient output of a successful fetch.
type RawDocument struct {
	URL          string
	FinalURL     string
	FetchedAt    time.Time
	Body         []byte
	StatusCode   int
	Headers      http.Header
	UsedHeadless bool
}

// Candidate is a structured record extracted from a RawDocument.
type Candidate struct {
	Fingerprint string
	Title       string
	Body        string
	BodyLen     int
	Source      string
	URL         string
	Lang        string
	ContentType string
	ExtractedAt time.Time
	Links       []string
}

// RejectReason names why a candidate was dropped.
type RejectReason string

// Rejection reasons recorded by the gate, deduplicator and extractor.
const (
	ReasonNone            RejectReason = ""
	ReasonExtraction      RejectReason = "extraction_failed"
	ReasonTooShort        RejectReason = "too_short"
	ReasonLowQuality      RejectReason = "low_quality"
	ReasonExcludedTopic   RejectReason = "excluded_topic"
	ReasonOffTopic        RejectReason = "off_topic"
	ReasonClassifierError RejectReason = "classifier_error"
	ReasonDuplicate       RejectReason = "duplicate"
	ReasonAlreadyExported RejectReason = "already_exported"
)

// Classification is the classifier's answer for a piece of text.
type Classification struct {
	Accept    bool    `json:"accept"`
	Domain    string  `json:"domain"`
	Subdomain string  `json:"subdomain"`
	Score     float64 `json:"score,omitempty"`
	// Excluded marks a rejection caused by an excluded topic rather than a
	// missing match.
	Excluded  bool    `json:"excluded,omitempty"`
}

// Verdict is produced by the quality gate and deduplicator. It is never
// persisted.
type Verdict struct {
	Fingerprint    string
	Accepted       bool
	Reason         RejectReason
	Classification Classification
}

// Accept returns an accepting verdict for the candidate.
func Accept(fingerprint string) Verdict {
	return Verdict{Fingerprint: fingerprint, Accepted: true}
}

// Reject returns a rejecting verdict with the supplied reason.
func Reject(fingerprint string, reason RejectReason) Verdict {
	return Verdict{Fingerprint: fingerprint, Reason: reason}
}

// CheckpointRecord is the durable proof that a fingerprint was exported.
type CheckpointRecord struct {
	Fingerprint string    `json:"fingerprint"`
	ExportedAt  time.Time `json:"exported_at"`
	ShardID     string    `json:"shard_id"`
	Offset      int64     `json:"offset"`
}

// RecordResult reports the outcome of an export claim.
type RecordResult int

// Export claim outcomes.
const (
	Recorded RecordResult = iota
	AlreadyRecorded
)

func (r RecordResult) String() string {
	if r == AlreadyRecorded {
		return "already-recorded"
	}
	return "recorded"
}

// Progress is the persisted crawl position for one source.
type Progress struct {
	Source     string    `json:"source"`
	LastMarker string    `json:"last_marker"`
	Completed  int64     `json:"completed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Source describes one site fed to the frontier.
type Source struct {
	Name      string   `yaml:"name" json:"name"`
	Domain    string   `yaml:"domain" json:"domain"`
	Seeds     []string `yaml:"seeds" json:"seeds"`
	Include   []string `yaml:"include" json:"include,omitempty"`
	Selectors []string `yaml:"selectors" json:"selectors,omitempty"`
	Lang      string   `yaml:"lang" json:"lang,omitempty"`
	Type      string   `yaml:"type" json:"type,omitempty"`
	MaxDepth  int      `yaml:"max_depth" json:"max_depth,omitempty"`
	Headless  bool     `yaml:"headless" json:"headless,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL                   string
	UseHeadless           bool
	WaitSelector          string
	Headers               http.Header
	RespectRobots         bool
	RespectRobotsProvided bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// OutputRecord is one exported JSONL line.
type OutputRecord struct {
	ID          string      `json:"id"`
	Text        string      `json:"text"`
	Meta        RecordMeta  `json:"meta"`
	ContentInfo ContentInfo `json:"content_info"`
}

// RecordMeta is the metadata block of an exported record.
type RecordMeta struct {
	Lang            string `json:"lang"`
	URL             string `json:"url"`
	Source          string `json:"source"`
	Type            string `json:"type"`
	ProcessingDate  string `json:"processing_date"`
	DeliveryVersion string `json:"delivery_version"`
	Title           string `json:"title"`
	Content         string `json:"content"`
}

// ContentInfo is the classification block of an exported record.
type ContentInfo struct {
	Domain    string `json:"domain"`
	Subdomain string `json:"subdomain"`
}
