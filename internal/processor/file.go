package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// FileResult is the result of a file_processing job
type FileResult struct {
	OriginalData   any       `json:"originalData"`
	ProcessedAt    time.Time `json:"processedAt"`
	FileSize       any       `json:"fileSize"`
	ProcessingTime string    `json:"processingTime"`
	Status         string    `json:"status"`
}

// FileProcessor simulates processing a file described by the payload
type FileProcessor struct {
	Delay time.Duration
}

// NewFileProcessor returns a processor that takes delay per job
func NewFileProcessor(delay time.Duration) *FileProcessor {
	return &FileProcessor{Delay: delay}
}

// Execute echoes the payload with a processing report. The payload's
// "size" field is reported as the file size when present.
func (p *FileProcessor) Execute(ctx context.Context, payload json.RawMessage) (any, error) {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &FatalError{Cause: fmt.Errorf("File processing failed: invalid payload: %w", err)}
	}

	if err := simulate(ctx, p.Delay); err != nil {
		return nil, err
	}

	var size any = fmt.Sprintf("%dKB", rand.IntN(1000)) //nolint:gosec // mock value
	if m, ok := data.(map[string]any); ok {
		if s, ok := m["size"]; ok && s != nil {
			size = s
		}
	}

	return FileResult{
		OriginalData:   data,
		ProcessedAt:    time.Now().UTC(),
		FileSize:       size,
		ProcessingTime: describeDuration(p.Delay),
		Status:         "success",
	}, nil
}
