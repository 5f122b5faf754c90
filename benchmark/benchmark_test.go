package benchmark

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/segport/backends"
	"github.com/knights-analytics/segport/export"
	"github.com/knights-analytics/segport/model"
	"github.com/knights-analytics/segport/onnxgraph"
	"github.com/knights-analytics/segport/util/fileutil"
)

const size = 16

func TestCompare(t *testing.T) {
	dir := t.TempDir()
	u, err := model.NewUNet(3, 1, []int{4, 8}, 9)
	require.NoError(t, err)
	ref := filepath.Join(dir, "seg.onnx")
	_, err = (&export.Exporter{}).Export(context.Background(), u, ref, size)
	require.NoError(t, err)
	copied := filepath.Join(dir, "seg_copy.onnx")
	require.NoError(t, fileutil.CopyFile(context.Background(), ref, copied))
	corrupt := filepath.Join(dir, "seg_corrupt.onnx")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0o644))

	c := &Comparator{Runs: 2, Warmup: -1}
	report, err := c.Compare(context.Background(), []Variant{
		{Name: "float32", Path: ref},
		{Name: "optimized", Path: copied},
		{Name: "missing", Path: filepath.Join(dir, "missing.onnx")},
		{Name: "dynamic-int8", Path: corrupt},
	}, size)
	require.NoError(t, err)
	assert.Equal(t, []string{"missing"}, report.Skipped)
	require.Len(t, report.Entries, 3)

	first := report.Entries[0]
	assert.True(t, first.IsReference)
	assert.False(t, first.Similarity)
	assert.Positive(t, first.LatencyMs)
	assert.Positive(t, first.SizeBytes)

	second, ok := report.Entry("optimized")
	require.True(t, ok)
	assert.True(t, second.Similarity)
	assert.InDelta(t, 1.0, second.Cosine, 1e-6)
	assert.InDelta(t, 0.0, second.MSE, 1e-12)
	assert.Equal(t, first.SizeBytes, second.SizeBytes)
	assert.ElementsMatch(t, []int{1, 2}, []int{first.Rank, second.Rank})

	failed, ok := report.Entry("dynamic-int8")
	require.True(t, ok)
	assert.Equal(t, -1.0, failed.LatencyMs)
	assert.Zero(t, failed.Rank)
	var runErr *RunError
	require.ErrorAs(t, failed.Err, &runErr)
	assert.Equal(t, "dynamic-int8", runErr.Variant)

	summary := report.Summary()
	require.Len(t, summary, 2)
	assert.Contains(t, summary[1], "Size: 0.0% smaller (optimized vs float32)")

	var out bytes.Buffer
	require.NoError(t, report.Render(&out))
	assert.Contains(t, out.String(), "reference")
	assert.Contains(t, out.String(), "error: variant dynamic-int8")
	assert.Contains(t, out.String(), "skipped: file not found")
}

func TestCompareFailedFirstVariant(t *testing.T) {
	dir := t.TempDir()
	u, err := model.NewUNet(3, 1, []int{4, 8}, 9)
	require.NoError(t, err)
	corrupt := filepath.Join(dir, "seg.onnx")
	require.NoError(t, os.WriteFile(corrupt, []byte("garbage"), 0o644))
	optimized := filepath.Join(dir, "seg_optimized.onnx")
	_, err = (&export.Exporter{}).Export(context.Background(), u, optimized, size)
	require.NoError(t, err)
	quantized := filepath.Join(dir, "seg_quantized.onnx")
	require.NoError(t, fileutil.CopyFile(context.Background(), optimized, quantized))

	report, err := (&Comparator{Runs: 1, Warmup: -1}).Compare(context.Background(), []Variant{
		{Name: "float32", Path: corrupt},
		{Name: "optimized", Path: optimized},
		{Name: "dynamic-int8", Path: quantized},
	}, size)
	require.NoError(t, err)
	require.Len(t, report.Entries, 3)

	failed := report.Entries[0]
	assert.True(t, failed.Failed())
	assert.False(t, failed.IsReference)

	ref, ok := report.Entry("optimized")
	require.True(t, ok)
	assert.True(t, ref.IsReference)
	assert.False(t, ref.Similarity)

	dyn, ok := report.Entry("dynamic-int8")
	require.True(t, ok)
	assert.False(t, dyn.IsReference)
	assert.True(t, dyn.Similarity)
	assert.InDelta(t, 1.0, dyn.Cosine, 1e-6)

	summary := report.Summary()
	require.Len(t, summary, 2)
	assert.Contains(t, summary[1], "(dynamic-int8 vs optimized)")
}

func TestSummary(t *testing.T) {
	report := &Report{Entries: []Entry{
		{Name: "float32", SizeBytes: 1000, LatencyMs: 10, IsReference: true},
		{Name: "static-int8", SizeBytes: 250, LatencyMs: 5},
		{Name: "broken", LatencyMs: -1, Err: &RunError{Variant: "broken"}},
	}}
	assert.Equal(t, []string{
		"Speed: 2.00x faster (static-int8 vs float32)",
		"Size: 75.0% smaller (static-int8 vs float32)",
	}, report.Summary())

	report.Entries[1] = Entry{Name: "optimized", SizeBytes: 1100, LatencyMs: 40}
	assert.Equal(t, []string{
		"Speed: 4.00x slower (optimized vs float32)",
		"Size: 10.0% larger (optimized vs float32)",
	}, report.Summary())

	report.Entries[0].Err = &RunError{Variant: "float32"}
	assert.Empty(t, report.Summary())
}

func TestCompareWithoutFiles(t *testing.T) {
	report, err := (&Comparator{Runs: 1}).Compare(context.Background(), []Variant{{Name: "float32", Path: filepath.Join(t.TempDir(), "none.onnx")}}, size)
	assert.Error(t, err)
	assert.Equal(t, []string{"float32"}, report.Skipped)
}

// raisingEngine loads graphs with the GO engine but fails every inference of one path.
type raisingEngine struct {
	*backends.GoEngine
	failing string
}

func (e raisingEngine) Load(path string) (backends.Runner, error) {
	r, err := e.GoEngine.Load(path)
	if err != nil || path != e.failing {
		return r, err
	}
	return raisingRunner{Runner: r}, nil
}

type raisingRunner struct {
	backends.Runner
}

func (raisingRunner) Run(map[string]*onnxgraph.Tensor) (map[string]*onnxgraph.Tensor, error) {
	return nil, errors.New("inference exploded")
}

func TestCompareRaisingVariant(t *testing.T) {
	dir := t.TempDir()
	u, err := model.NewUNet(3, 1, []int{4, 8}, 2)
	require.NoError(t, err)
	ref := filepath.Join(dir, "seg.onnx")
	_, err = (&export.Exporter{}).Export(context.Background(), u, ref, size)
	require.NoError(t, err)
	other := filepath.Join(dir, "seg_quantized.onnx")
	require.NoError(t, fileutil.CopyFile(context.Background(), ref, other))

	c := &Comparator{Engine: raisingEngine{GoEngine: backends.NewGoEngine(), failing: other}, Runs: 1}
	report, err := c.Compare(context.Background(), []Variant{{Name: "float32", Path: ref}, {Name: "dynamic-int8", Path: other}}, size)
	require.NoError(t, err)
	require.Len(t, report.Entries, 2)
	assert.True(t, report.Entries[0].IsReference)
	assert.False(t, report.Entries[0].Failed())
	assert.True(t, report.Entries[1].Failed())
	assert.Equal(t, -1.0, report.Entries[1].LatencyMs)
	assert.ErrorContains(t, report.Entries[1].Err, "inference exploded")
	assert.Empty(t, report.Summary())

	var out bytes.Buffer
	require.NoError(t, report.Render(&out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[2], "reference")
	assert.Contains(t, lines[3], "error: variant dynamic-int8: inference exploded")
}
