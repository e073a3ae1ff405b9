package snapshot

// ============================================================================
// Snapshot Manager tests
// Atomic write, load, schema validation and error handling
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string, status types.JobStatus, attempts int) *types.Job {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &types.Job{
		ID:             types.JobID(id),
		Type:           types.TypeCalculation,
		Payload:        json.RawMessage(`{"operation":"add","numbers":[1,2,3]}`),
		Status:         status,
		Attempts:       attempts,
		MaxAttempts:    3,
		CreatedAt:      created,
		UpdatedAt:      created,
		NextEligibleAt: created,
	}
}

// ============================================================================
// Basic behaviour
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	completed := testJob("job-003", types.StatusCompleted, 2)
	completed.Result = json.RawMessage(`6`)

	originalData := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			"job-001": testJob("job-001", types.StatusPending, 0),
			"job-002": testJob("job-002", types.StatusActive, 1),
			"job-003": completed,
		},
		LastSeq: 100,
	}

	require.NoError(t, manager.Write(originalData))

	loadedData, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, originalData.LastSeq, loadedData.LastSeq)
	require.Len(t, loadedData.Jobs, len(originalData.Jobs))

	for jobID, originalJob := range originalData.Jobs {
		loadedJob, exists := loadedData.Jobs[jobID]
		require.True(t, exists, "Job %s should exist", jobID)
		assert.Equal(t, originalJob.ID, loadedJob.ID)
		assert.Equal(t, originalJob.Status, loadedJob.Status)
		assert.Equal(t, originalJob.Attempts, loadedJob.Attempts)
		assert.JSONEq(t, string(originalJob.Payload), string(loadedJob.Payload))
		assert.True(t, originalJob.CreatedAt.Equal(loadedJob.CreatedAt))
	}
	assert.Equal(t, "6", string(loadedData.Jobs["job-003"].Result))
}

func TestWriteCreatesDirectory(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "nested", "data", "snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	initialData := types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-old": testJob("job-old", types.StatusPending, 0)},
		LastSeq: 50,
	}
	require.NoError(t, manager.Write(initialData))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		newData := types.SnapshotData{
			Jobs:    map[types.JobID]*types.Job{"job-new": testJob("job-new", types.StatusPending, 0)},
			LastSeq: 100,
		}
		assert.NoError(t, manager.Write(newData))
	}()

	var loadedData types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loadedData = data
	}()

	wg.Wait()

	// either complete image, never a partial one
	assert.True(t, loadedData.LastSeq == 50 || loadedData.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loadedData.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

func TestWriteForcesSchemaVersion(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{SchemaVer: 7}))

	raw, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.EqualValues(t, SchemaVersion, onDisk["schema_ver"])
	assert.Contains(t, onDisk, "jobs")
}

// ============================================================================
// Error handling
// ============================================================================

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, uint64(0), loadedData.LastSeq)
	assert.NotNil(t, loadedData.Jobs)
	assert.Empty(t, loadedData.Jobs)
}

func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(types.SnapshotData{
		Jobs:      make(map[types.JobID]*types.Job),
		SchemaVer: 2,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"jobs": {"job-001": {"id": "job-001", "status": "pending"`},
		{"null record", `{"jobs": {"job-001": null}, "schema_ver": 1, "last_seq": 1}`},
		{"not json", `snapshot`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
			require.NoError(t, os.WriteFile(snapshotPath, []byte(tt.content), 0o644))

			_, err := NewManager(snapshotPath).Load()
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
		})
	}
}

func TestWriteFailure(t *testing.T) {
	tempDir := t.TempDir()

	// a regular file where the parent directory should be
	blocker := filepath.Join(tempDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	manager := NewManager(filepath.Join(blocker, "test_snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
	assert.False(t, manager.Exists())
}

// ============================================================================
// Backups
// ============================================================================

func TestWriteWithBackup(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-001": testJob("job-001", types.StatusPending, 0)},
		LastSeq: 50,
	}))

	require.NoError(t, manager.WriteWithBackup(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-002": testJob("job-002", types.StatusCompleted, 1)},
		LastSeq: 100,
	}, 3))

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), loadedData.LastSeq)

	backups, err := manager.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	backup := NewManager(backups[0])
	old, err := backup.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), old.LastSeq)
}

func TestWriteWithBackupPrunes(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	manager.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 1; i <= 6; i++ {
		require.NoError(t, manager.WriteWithBackup(types.SnapshotData{LastSeq: uint64(i)}, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	// the two newest backups hold the images written just before the live one
	var seqs []uint64
	for _, b := range backups {
		data, err := NewManager(b).Load()
		require.NoError(t, err)
		seqs = append(seqs, data.LastSeq)
	}
	assert.Equal(t, []uint64{4, 5}, seqs)

	live, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), live.LastSeq)
}

func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	largeData := types.SnapshotData{
		Jobs:    make(map[types.JobID]*types.Job),
		LastSeq: 10000,
	}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("job-%04d", i)
		largeData.Jobs[types.JobID(id)] = testJob(id, types.StatusPending, i%3)
	}

	start := time.Now()
	require.NoError(t, manager.Write(largeData))
	t.Logf("Write duration for 1000 jobs: %v", time.Since(start))

	start = time.Now()
	loadedData, err := manager.Load()
	require.NoError(t, err)
	t.Logf("Load duration for 1000 jobs: %v", time.Since(start))

	assert.Len(t, loadedData.Jobs, len(largeData.Jobs))
	assert.Equal(t, largeData.LastSeq, loadedData.LastSeq)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", index)
			assert.NoError(t, manager.Write(types.SnapshotData{
				Jobs:    map[types.JobID]*types.Job{types.JobID(id): testJob(id, types.StatusPending, 0)},
				LastSeq: uint64(index),
			}))
		}(i)
	}
	wg.Wait()

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Len(t, loadedData.Jobs, 1)
}

func TestConcurrentReads(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-001": testJob("job-001", types.StatusPending, 0)},
		LastSeq: 100,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loadedData, err := manager.Load()
			assert.NoError(t, err)
			assert.Equal(t, uint64(100), loadedData.LastSeq)
			assert.Len(t, loadedData.Jobs, 1)
		}()
	}
	wg.Wait()
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "benchmark_snapshot.json"))
	data := types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{"job-001": testJob("job-001", types.StatusPending, 0)},
		LastSeq: 100,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
