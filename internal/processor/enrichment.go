package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	enrichmentCategories = []string{"category1", "category2", "category3"}
	enrichmentTags       = []string{"tag1", "tag2", "tag3"}
)

// EnrichmentResult is the result of a data_enrichment job
type EnrichmentResult struct {
	OriginalData   any            `json:"originalData"`
	ProcessedAt    time.Time      `json:"processedAt"`
	EnrichedFields EnrichedFields `json:"enrichedFields"`
}

// EnrichedFields holds the generated metadata
type EnrichedFields struct {
	Metadata struct {
		ProcessedBy string `json:"processedBy"`
		Confidence  string `json:"confidence"`
	} `json:"metadata"`
	AdditionalInfo struct {
		Category string   `json:"category"`
		Tags     []string `json:"tags"`
	} `json:"additionalInfo"`
}

// EnrichmentProcessor simulates enriching a record with metadata
type EnrichmentProcessor struct {
	Delay time.Duration
}

// NewEnrichmentProcessor returns a processor that takes delay per job
func NewEnrichmentProcessor(delay time.Duration) *EnrichmentProcessor {
	return &EnrichmentProcessor{Delay: delay}
}

// Execute returns the payload with generated metadata attached
func (p *EnrichmentProcessor) Execute(ctx context.Context, payload json.RawMessage) (any, error) {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &FatalError{Cause: fmt.Errorf("Data enrichment failed: invalid payload: %w", err)}
	}

	if err := simulate(ctx, p.Delay); err != nil {
		return nil, err
	}

	res := EnrichmentResult{OriginalData: data, ProcessedAt: time.Now().UTC()}
	res.EnrichedFields.Metadata.ProcessedBy = fmt.Sprintf("Worker-%d", rand.IntN(10))
	res.EnrichedFields.Metadata.Confidence = fmt.Sprintf("%.2f", rand.Float64())
	res.EnrichedFields.AdditionalInfo.Category = enrichmentCategories[rand.IntN(len(enrichmentCategories))]
	res.EnrichedFields.AdditionalInfo.Tags = append([]string(nil), enrichmentTags[:rand.IntN(len(enrichmentTags))+1]...)
	return res, nil
}
