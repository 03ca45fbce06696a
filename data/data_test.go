package data

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/Dorniwang/torchdistill/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rangeDataset(t *testing.T, n int) *TensorDataset {
	t.Helper()
	inputs := tensor.Zeros(n, 2)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		inputs.Row(i)[0] = float32(i)
		inputs.Row(i)[1] = float32(-i)
		labels[i] = i % 3
	}
	ds, err := NewTensorDataset(inputs, labels)
	require.NoError(t, err)
	return ds
}

func collect(t *testing.T, dl *DataLoader) (batches []*Batch, seen []int) {
	t.Helper()
	for b := range dl.Batches() {
		batches = append(batches, b)
		seen = append(seen, b.Indices()...)
	}
	require.NoError(t, dl.Err())
	return batches, seen
}

func TestTensorDataset(t *testing.T) {
	ds := rangeDataset(t, 4)
	x, y, err := ds.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, -2}, x.Data)
	assert.Equal(t, []int{2}, x.Shape)
	assert.Equal(t, 2, y)
	assert.Equal(t, 2, ds.NumFeatures())

	_, _, err = ds.Get(4)
	assert.Error(t, err)

	_, err = NewTensorDataset(tensor.Zeros(3, 2), []int{0})
	assert.Error(t, err)
}

func TestSubsetDataset(t *testing.T) {
	sub, err := NewSubsetDataset(rangeDataset(t, 10), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.Len())
	_, _, err = sub.Get(3)
	assert.Error(t, err)

	capped, err := NewSubsetDataset(rangeDataset(t, 2), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, capped.Len())

	_, err = NewSubsetDataset(rangeDataset(t, 2), -1)
	assert.Error(t, err)
}

func TestGaussianBlobsDeterministic(t *testing.T) {
	cfg := BlobsConfig{NumClasses: 3, NumFeatures: 4, Spread: 0.5, CenterSeed: 7}
	a, err := NewGaussianBlobs(cfg, 50, 1)
	require.NoError(t, err)
	b, err := NewGaussianBlobs(cfg, 50, 1)
	require.NoError(t, err)
	assert.Equal(t, a.inputs.Data, b.inputs.Data)
	assert.Equal(t, a.labels, b.labels)

	c, err := NewGaussianBlobs(cfg, 50, 2)
	require.NoError(t, err)
	assert.NotEqual(t, a.inputs.Data, c.inputs.Data)

	for _, l := range a.labels {
		assert.True(t, l >= 0 && l < 3)
	}

	_, err = NewGaussianBlobs(BlobsConfig{NumClasses: 1, NumFeatures: 4}, 10, 0)
	assert.Error(t, err)
}

func TestReadCSV(t *testing.T) {
	input := "x1,x2,label\n0.5, 1.5, 2\n# comment\n-1,2,0\n"
	ds, err := ReadCSV(strings.NewReader(input), CSVOptions{LabelColumn: -1, HasHeader: true})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	x, y, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1.5}, x.Data)
	assert.Equal(t, 2, y)

	first, err := ReadCSV(strings.NewReader("1,0.1,0.2\n0,0.3,0.4\n"), CSVOptions{LabelColumn: 0})
	require.NoError(t, err)
	x, y, err = first.Get(1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.3, 0.4}, x.Data, 1e-7)
	assert.Equal(t, 0, y)

	tests := map[string]string{
		"ragged":         "1,2,0\n1,2\n",
		"bad_label":      "1,2,x\n",
		"negative_label": "1,2,-1\n",
		"bad_feature":    "1,y,0\n",
		"empty":          "",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(in), CSVOptions{LabelColumn: -1})
			assert.Error(t, err)
		})
	}
}

func TestLoadCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte("1,2,1\n3,4,0\n"), 0o644))
	ds, err := LoadCSV(path, CSVOptions{LabelColumn: -1})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), CSVOptions{})
	assert.Error(t, err)
}

func TestDataLoaderBatches(t *testing.T) {
	dl, err := NewDataLoader(rangeDataset(t, 10), LoaderConfig{BatchSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, dl.Len())

	batches, seen := collect(t, dl)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{4, 2}, batches[0].Inputs.Shape)
	assert.Equal(t, 2, batches[2].Size())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
	assert.Equal(t, []float32{8, -8, 9, -9}, batches[2].Inputs.Data)
	assert.Equal(t, []int{2, 0}, batches[2].Targets)

	dropping, err := NewDataLoader(rangeDataset(t, 10), LoaderConfig{BatchSize: 4, DropLast: true, NumWorkers: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, dropping.Len())
	batches, _ = collect(t, dropping)
	assert.Len(t, batches, 2)

	_, err = NewDataLoader(rangeDataset(t, 10), LoaderConfig{})
	assert.Error(t, err)
}

func TestDataLoaderShuffleFollowsEpoch(t *testing.T) {
	dl, err := NewDataLoader(rangeDataset(t, 20), LoaderConfig{BatchSize: 8, Shuffle: true, Seed: 5})
	require.NoError(t, err)

	_, first := collect(t, dl)
	_, again := collect(t, dl)
	assert.Equal(t, first, again, "same epoch yields the same order")

	dl.SetEpoch(1)
	_, next := collect(t, dl)
	assert.NotEqual(t, first, next)

	sorted := append([]int(nil), next...)
	sort.Ints(sorted)
	for i, v := range sorted {
		assert.Equal(t, i, v)
	}
}

func TestDataLoaderSharding(t *testing.T) {
	const world = 3
	var all []int
	for rank := 0; rank < world; rank++ {
		dl, err := NewDataLoader(rangeDataset(t, 10), LoaderConfig{BatchSize: 2, Shuffle: true, Seed: 9},
			WithSharding(rank, world))
		require.NoError(t, err)
		dl.SetEpoch(2)
		assert.Equal(t, 4, dl.NumSamples())
		assert.Equal(t, 2, dl.Len())
		_, seen := collect(t, dl)
		assert.Len(t, seen, 4)
		all = append(all, seen...)
	}

	// 10 samples padded to 12: every index appears, two of them twice
	counts := map[int]int{}
	for _, idx := range all {
		counts[idx]++
	}
	assert.Len(t, counts, 10)
	assert.Len(t, all, 12)

	_, err := NewDataLoader(rangeDataset(t, 10), LoaderConfig{BatchSize: 2}, WithSharding(3, 3))
	assert.Error(t, err)
}

type failingDataset struct{ *TensorDataset }

func (f failingDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx == 5 {
		return nil, 0, fmt.Errorf("corrupt sample")
	}
	return f.TensorDataset.Get(idx)
}

func TestDataLoaderReportsLoadErrors(t *testing.T) {
	dl, err := NewDataLoader(failingDataset{rangeDataset(t, 8)}, LoaderConfig{BatchSize: 2})
	require.NoError(t, err)
	n := 0
	for range dl.Batches() {
		n++
	}
	assert.Equal(t, 2, n)
	require.Error(t, dl.Err())
	assert.Contains(t, dl.Err().Error(), "sample 5")
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Put(1, []float32{1})
	c.Put(2, []float32{2})
	_, ok := c.Get(1)
	require.True(t, ok)
	c.Put(3, []float32{3})

	_, ok = c.Get(2)
	assert.False(t, ok, "2 was least recently used")
	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, v)
	assert.Equal(t, 2, c.Len())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Contains(t, stats.String(), "2/2 items")

	c.Clear()
	assert.Equal(t, 0, c.Len())

	unbounded := NewCache(0)
	for i := 0; i < 100; i++ {
		unbounded.Put(i, nil)
	}
	assert.Equal(t, 100, unbounded.Len())
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestImageFolderDataset(t *testing.T) {
	root := t.TempDir()
	for _, class := range []string{"cat", "dog"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, class), 0o755))
	}
	writePNG(t, filepath.Join(root, "cat", "a.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(root, "dog", "b.png"), color.RGBA{B: 255, A: 255})
	writePNG(t, filepath.Join(root, "dog", "c.png"), color.RGBA{G: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(root, "dog", "notes.txt"), []byte("x"), 0o644))

	ds, err := NewImageFolderDataset(root, 2, 8, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []string{"cat", "dog"}, ds.ClassNames())
	assert.Equal(t, map[string]int{"cat": 1, "dog": 2}, ds.ClassDistribution())

	x, y, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, 0, y)
	assert.Equal(t, []int{12}, x.Shape)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0}, x.Data, 1e-6)

	_, _, err = ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ds.CacheStats().Hits)
	assert.Contains(t, ds.String(), "3 images")

	_, err = NewImageFolderDataset(t.TempDir(), 2, 0, nil)
	assert.Error(t, err)
}

func TestBuildRegistry(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "test.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("1,2,1\n3,4,0\n5,6,1\n"), 0o644))

	reg, err := BuildRegistry(map[string]Definition{
		"blobs": {
			Type:   "gaussian_blobs",
			Params: map[string]interface{}{"num_classes": 4, "num_features": 8, "seed": 3},
			Splits: map[string]Split{
				"train": {DatasetID: "blobs/train", Params: map[string]interface{}{"size": 64, "seed": 1}},
				"val":   {Params: map[string]interface{}{"size": 32, "seed": 2, "limit": 10}},
			},
		},
		"table": {
			Type:   "csv",
			Splits: map[string]Split{"test": {DatasetID: "table/test", Params: map[string]interface{}{"path": csvPath}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/train", "blobs/val", "table/test"}, reg.IDs())

	train, err := reg.Get("blobs/train")
	require.NoError(t, err)
	assert.Equal(t, 64, train.Len())
	val, err := reg.Get("blobs/val")
	require.NoError(t, err)
	assert.Equal(t, 10, val.Len())

	_, err = reg.Get("imagenet/train")
	assert.True(t, errors.Is(err, ErrUnknownDataset))

	_, err = BuildRegistry(map[string]Definition{"x": {Type: "parquet", Splits: map[string]Split{"a": {}}}})
	assert.True(t, errors.Is(err, ErrUnknownDataset))

	_, err = NewDataset("csv", nil, nil)
	assert.Error(t, err)
}
