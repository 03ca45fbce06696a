package data

import (
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Dorniwang/torchdistill/tensor"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Samples are decoded on demand,
// resized to ImageSize x ImageSize and flattened in CHW order with values in [0, 1].
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	imageSize  int
	cache      *Cache
}

// NewImageFolderDataset creates a dataset from a directory structure. cacheSize bounds
// the number of decoded images kept in memory; zero disables caching.
func NewImageFolderDataset(root string, imageSize, cacheSize int, extensions []string) (*ImageFolderDataset, error) {
	if imageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", imageSize)
	}
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	d := &ImageFolderDataset{imageSize: imageSize}
	if cacheSize > 0 {
		d.cache = NewCache(cacheSize)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		classIdx := len(d.classNames)
		d.classNames = append(d.classNames, entry.Name())

		// Find all images in this class
		files, err := os.ReadDir(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", entry.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !hasExtension(f.Name(), extensions) {
				continue
			}
			d.imagePaths = append(d.imagePaths, filepath.Join(root, entry.Name(), f.Name()))
			d.labels = append(d.labels, classIdx)
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// Get decodes the image at index and returns it with its label
func (d *ImageFolderDataset) Get(index int) (*tensor.Tensor, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	shape := []int{3 * d.imageSize * d.imageSize}
	if d.cache != nil {
		if row, ok := d.cache.Get(index); ok {
			return &tensor.Tensor{Shape: shape, Data: row}, d.labels[index], nil
		}
	}

	f, err := os.Open(d.imagePaths[index])
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	row, err := decodeAndPreprocess(f, d.imageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", d.imagePaths[index], err)
	}
	if d.cache != nil {
		d.cache.Put(index, row)
	}
	return &tensor.Tensor{Shape: shape, Data: row}, d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// CacheStats reports decoded image cache usage
func (d *ImageFolderDataset) CacheStats() CacheStats {
	if d.cache == nil {
		return CacheStats{}
	}
	return d.cache.Stats()
}

func (d *ImageFolderDataset) String() string {
	dist := d.ClassDistribution()
	names := append([]string(nil), d.classNames...)
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s: %d", n, dist[n])
	}
	return fmt.Sprintf("ImageFolderDataset(%d images, %d classes: %s)", d.Len(), d.NumClasses(), strings.Join(parts, ", "))
}

// decodeAndPreprocess decodes an image and returns it nearest-neighbour resized to
// size x size in CHW format normalized to [0, 1]
func decodeAndPreprocess(r io.Reader, size int) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			srcX := min(int(float64(x)*scaleX), width-1)
			srcY := min(int(float64(y)*scaleY), height-1)
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()

			idx := y*size + x
			data[idx] = float32(r) / 65535.0         // R channel
			data[plane+idx] = float32(g) / 65535.0   // G channel
			data[2*plane+idx] = float32(b) / 65535.0 // B channel
		}
	}
	return data, nil
}
