package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/segment-pipeline/internal/models"
	"github.com/flybeeper/segment-pipeline/internal/service"
)

const testParams = `{"max_time_gap": "2h", "max_implied_speed": 30, "identity_similarity_threshold": 0.8}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runFlags = runOptions{}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateParams(t *testing.T) {
	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "params.json")
		require.NoError(t, os.WriteFile(path, []byte(testParams), 0o644))

		out, err := execute(t, "validate-params", path)
		require.NoError(t, err)

		var params map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &params))
		assert.Equal(t, "2h0m0s", params["max_time_gap"])
		assert.Equal(t, "split", params["identity_conflict_policy"])
		assert.Len(t, params["predicate_order"], 4)
	})

	t.Run("Environment", func(t *testing.T) {
		t.Setenv("SEGMENTER_PARAMS", testParams)
		_, err := execute(t, "validate-params")
		assert.NoError(t, err)
	})

	t.Run("Unknown key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "params.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"max_time_gap": "2h", "max_gap": 1}`), 0o644))
		_, err := execute(t, "validate-params", path)
		assert.Error(t, err)
	})

	t.Run("Invalid threshold", func(t *testing.T) {
		t.Setenv("SEGMENTER_PARAMS", `{"max_time_gap": "2h", "max_implied_speed": 30, "identity_similarity_threshold": 1.5}`)
		_, err := execute(t, "validate-params")
		assert.Error(t, err)
	})
}

func writeInput(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "messages.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestRun_JSONL(t *testing.T) {
	t.Setenv("SEGMENTER_PARAMS", testParams)
	dir := t.TempDir()
	input := writeInput(t, dir,
		`{"ssvid": 100, "timestamp": "2017-01-01T00:00:00Z", "lat": 54.0, "lon": 10.0}`,
		`{"ssvid": 100, "timestamp": "2017-01-01T01:00:00Z", "lat": 54.1, "lon": 10.0}`,
		`{"ssvid": 100, "timestamp": "2017-01-01T09:00:00Z", "lat": 54.2, "lon": 10.0}`,
		`{"ssvid": 200, "timestamp": "2017-01-01T12:00:00Z"}`,
		`{"ssvid": 200, "timestamp": "2017-01-03T12:00:00Z"}`,
		`{"timestamp": "2017-01-01T12:00:00Z"}`,
	)
	prefix := filepath.Join(dir, "out")

	out, err := execute(t, "run",
		"--date-range", "2017-01-01",
		"--input", input,
		"--output-prefix", prefix,
		"--seed-store", "memory",
		"--workers", "2",
	)
	require.NoError(t, err)

	var report models.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, models.RunSucceeded, report.Status)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 4, report.Messages)
	assert.Equal(t, 1, report.Malformed)
	assert.Equal(t, 2, report.Identifiers)
	assert.Equal(t, 3, report.Segments)
	assert.True(t, report.WindowEnd.Equal(time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)))

	messages, segments, malformed := service.JSONLPaths(prefix)
	assert.Equal(t, 4, countLines(t, messages))
	assert.Equal(t, 3, countLines(t, segments))
	assert.Equal(t, 1, countLines(t, malformed))
}

func TestRun_Errors(t *testing.T) {
	t.Setenv("SEGMENTER_PARAMS", testParams)
	dir := t.TempDir()
	input := writeInput(t, dir, `{"ssvid": 100, "timestamp": "2017-01-01T00:00:00Z"}`)

	tests := []struct {
		name string
		args []string
	}{
		{"Missing date range", []string{"run", "--input", input, "--seed-store", "memory"}},
		{"Bad date range", []string{"run", "--date-range", "2017-02-30", "--input", input, "--seed-store", "memory"}},
		{"Missing input", []string{"run", "--date-range", "2017-01-01", "--seed-store", "memory"}},
		{"Unknown sink", []string{"run", "--date-range", "2017-01-01", "--input", input, "--sink", "bigquery", "--seed-store", "memory"}},
		{"MySQL without DSN", []string{"run", "--date-range", "2017-01-01", "--source", "mysql", "--seed-store", "memory"}},
		{"Missing input file", []string{"run", "--date-range", "2017-01-01", "--input", filepath.Join(dir, "nope.jsonl"),
			"--output-prefix", filepath.Join(dir, "out"), "--seed-store", "memory"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestRun_InvalidParams(t *testing.T) {
	t.Setenv("SEGMENTER_PARAMS", `{"max_time_gap": "2h"}`)
	_, err := execute(t, "run", "--date-range", "2017-01-01", "--input", "x.jsonl", "--seed-store", "memory")
	assert.Error(t, err)
}

func TestVesselSimulator(t *testing.T) {
	start := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newVesselSimulator(42, 3, 54.3, 10.1, 12, 0, start)
	b := newVesselSimulator(42, 3, 54.3, 10.1, 12, 0, start)

	first := a.step(time.Minute)
	assert.Equal(t, first, b.step(time.Minute))
	require.Len(t, first, 3)

	for _, r := range first {
		var msg models.Message
		data, err := json.Marshal(r)
		require.NoError(t, err)
		msg, err = models.DecodeMessage(data, 0)
		require.NoError(t, err)
		require.NoError(t, msg.Validate())
		assert.True(t, msg.Timestamp.Equal(start.Add(time.Minute)))
		require.NotNil(t, msg.Position())
	}

	// на 12 узлах за час судно проходит около 12 морских миль
	next := a.step(time.Hour)
	for i := range next {
		p1 := models.GeoPoint{Latitude: first[i].Lat, Longitude: first[i].Lon}
		p2 := models.GeoPoint{Latitude: next[i].Lat, Longitude: next[i].Lon}
		assert.InDelta(t, 12, p1.DistanceNM(p2), 0.5)
	}
}

func TestVesselSimulator_Gaps(t *testing.T) {
	start := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := newVesselSimulator(7, 1, 54.3, 10.1, 12, 1, start)

	r := sim.step(time.Minute)
	ts, err := time.Parse(time.RFC3339Nano, r[0].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour+time.Minute, ts.Sub(start))
}
