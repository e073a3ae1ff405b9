package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	r := NewDefaultRegistry(Delays{})

	assert.Equal(t, []types.JobType{
		types.TypeCalculation, types.TypeDataEnrichment, types.TypeFileProcessing,
	}, r.Types())

	p, err := r.Lookup(types.TypeCalculation)
	require.NoError(t, err)
	assert.IsType(t, &CalculationProcessor{}, p)

	_, err = r.Lookup("video_transcode")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownJobType)
	assert.Equal(t, "unknown job type: video_transcode", err.Error())
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", ProcessorFunc(func(context.Context, json.RawMessage) (any, error) { return 1, nil }))
	r.Register("echo", ProcessorFunc(func(context.Context, json.RawMessage) (any, error) { return 2, nil }))

	p, err := r.Lookup("echo")
	require.NoError(t, err)
	got, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestCalculation(t *testing.T) {
	p := NewCalculationProcessor(0)

	tests := []struct {
		name    string
		payload string
		want    any
		wantErr string
	}{
		{"add", `{"operation":"add","numbers":[1,2,3]}`, 6.0, ""},
		{"add empty", `{"operation":"add","numbers":[]}`, 0.0, ""},
		{"multiply", `{"operation":"multiply","numbers":[2,3,4]}`, 24.0, ""},
		{"complex", `{"operation":"complex","numbers":[4,1,7]}`,
			ComplexResult{Sum: 12, Product: 28, Average: 4, Min: 1, Max: 7}, ""},
		{"complex empty", `{"operation":"complex","numbers":[]}`, nil,
			"Calculation failed: numbers must not be empty"},
		{"unknown operation", `{"operation":"divide","numbers":[1]}`, nil,
			"Calculation failed: Unknown operation: divide"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Execute(context.Background(), json.RawMessage(tt.payload))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
				var perr *ProcessingError
				assert.True(t, errors.As(err, &perr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculationResultEncodesAsBareNumber(t *testing.T) {
	got, err := NewCalculationProcessor(0).Execute(context.Background(),
		json.RawMessage(`{"operation":"add","numbers":[1,2,3]}`))
	require.NoError(t, err)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, "6", string(data))
}

func TestInvalidPayloadIsFatal(t *testing.T) {
	for _, p := range []Processor{
		NewCalculationProcessor(0),
		NewFileProcessor(0),
		NewEnrichmentProcessor(0),
	} {
		_, err := p.Execute(context.Background(), json.RawMessage(`{not json`))
		var fatal *FatalError
		assert.True(t, errors.As(err, &fatal), "%T should return a FatalError", p)
	}
}

func TestFileProcessor(t *testing.T) {
	got, err := NewFileProcessor(0).Execute(context.Background(),
		json.RawMessage(`{"name":"report.pdf","size":"42KB"}`))
	require.NoError(t, err)

	res, ok := got.(FileResult)
	require.True(t, ok)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "42KB", res.FileSize)
	assert.Equal(t, "0 seconds", res.ProcessingTime)
	assert.Equal(t, map[string]any{"name": "report.pdf", "size": "42KB"}, res.OriginalData)
	assert.False(t, res.ProcessedAt.IsZero())
}

func TestFileProcessorGeneratesSize(t *testing.T) {
	got, err := NewFileProcessor(0).Execute(context.Background(), json.RawMessage(`{"name":"a.txt"}`))
	require.NoError(t, err)
	assert.Regexp(t, `^\d+KB$`, got.(FileResult).FileSize)
}

func TestEnrichmentProcessor(t *testing.T) {
	got, err := NewEnrichmentProcessor(0).Execute(context.Background(), json.RawMessage(`{"user":"u1"}`))
	require.NoError(t, err)

	res, ok := got.(EnrichmentResult)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"user": "u1"}, res.OriginalData)
	assert.Regexp(t, `^Worker-\d$`, res.EnrichedFields.Metadata.ProcessedBy)
	assert.Regexp(t, `^[01]\.\d\d$`, res.EnrichedFields.Metadata.Confidence)
	assert.Contains(t, enrichmentCategories, res.EnrichedFields.AdditionalInfo.Category)
	assert.NotEmpty(t, res.EnrichedFields.AdditionalInfo.Tags)
	assert.LessOrEqual(t, len(res.EnrichedFields.AdditionalInfo.Tags), 3)
}

func TestProcessorsHonourCancellation(t *testing.T) {
	d := Delays{FileProcessing: time.Minute, DataEnrichment: time.Minute, Calculation: time.Minute}
	r := NewDefaultRegistry(d)

	for _, jt := range r.Types() {
		p, err := r.Lookup(jt)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		start := time.Now()
		_, err = p.Execute(ctx, json.RawMessage(`{"operation":"add","numbers":[1]}`))
		cancel()

		assert.ErrorIs(t, err, context.DeadlineExceeded, "job type %s", jt)
		assert.Less(t, time.Since(start), 5*time.Second)
	}
}

func TestDescribeDuration(t *testing.T) {
	assert.Equal(t, "2 seconds", describeDuration(2*time.Second))
	assert.Equal(t, "1.5 seconds", describeDuration(1500*time.Millisecond))
}
