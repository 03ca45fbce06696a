package data

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnknownDataset is returned for a dataset id or type that is not defined
var ErrUnknownDataset = errors.New("unknown dataset")

// Definition describes one dataset family and the splits built from it
type Definition struct {
	Type   string                 `yaml:"type" json:"type"`
	Params map[string]interface{} `yaml:"params" json:"params,omitempty"`
	Splits map[string]Split       `yaml:"splits" json:"splits"`
}

// Split names one concrete dataset and its split-specific parameters. A "limit"
// parameter truncates the split to its first limit samples.
type Split struct {
	DatasetID string                 `yaml:"dataset_id" json:"dataset_id"`
	Params    map[string]interface{} `yaml:"params" json:"params,omitempty"`
}

// Factory builds a dataset from its family parameters and split parameters
type Factory func(params, splitParams map[string]interface{}) (Dataset, error)

var factories = map[string]Factory{
	"gaussian_blobs": newBlobs,
	"csv":            newCSV,
	"image_folder":   newImageFolder,
}

// Registry maps dataset ids to built datasets
type Registry struct {
	datasets map[string]Dataset
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{datasets: make(map[string]Dataset)}
}

// Add registers ds under id, replacing any previous entry
func (r *Registry) Add(id string, ds Dataset) {
	r.datasets[id] = ds
}

// Get returns the dataset registered under id
func (r *Registry) Get(id string) (Dataset, error) {
	ds, ok := r.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, id)
	}
	return ds, nil
}

// IDs lists the registered dataset ids in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.datasets))
	for id := range r.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BuildRegistry builds every split of every definition
func BuildRegistry(defs map[string]Definition) (*Registry, error) {
	r := NewRegistry()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := defs[name]
		for splitName, split := range def.Splits {
			ds, err := NewDataset(def.Type, def.Params, split.Params)
			if err != nil {
				return nil, fmt.Errorf("dataset %s split %s: %w", name, splitName, err)
			}
			id := split.DatasetID
			if id == "" {
				id = name + "/" + splitName
			}
			r.Add(id, ds)
		}
	}
	return r, nil
}

// NewDataset builds one dataset of the given type
func NewDataset(typ string, params, splitParams map[string]interface{}) (Dataset, error) {
	f, ok := factories[typ]
	if !ok {
		return nil, fmt.Errorf("%w type %q", ErrUnknownDataset, typ)
	}
	ds, err := f(params, splitParams)
	if err != nil {
		return nil, err
	}
	if limit, ok := intValue(splitParams["limit"]); ok {
		return NewSubsetDataset(ds, limit)
	}
	return ds, nil
}

func newBlobs(params, splitParams map[string]interface{}) (Dataset, error) {
	cfg := BlobsConfig{
		NumClasses:  intOr(params, "num_classes", 10),
		NumFeatures: intOr(params, "num_features", 32),
		Spread:      floatOr(params, "spread", 1),
		CenterSeed:  int64(intOr(params, "seed", 0)),
	}
	return NewGaussianBlobs(cfg, intOr(splitParams, "size", 1000), int64(intOr(splitParams, "seed", 0)))
}

func newCSV(params, splitParams map[string]interface{}) (Dataset, error) {
	path := stringOr(splitParams, "path", stringOr(params, "path", ""))
	if path == "" {
		return nil, fmt.Errorf("csv dataset requires a path")
	}
	opts := CSVOptions{
		LabelColumn: intOr(params, "label_column", -1),
		HasHeader:   boolOr(params, "has_header", false),
	}
	return LoadCSV(path, opts)
}

func newImageFolder(params, splitParams map[string]interface{}) (Dataset, error) {
	root := stringOr(splitParams, "root", stringOr(params, "root", ""))
	if root == "" {
		return nil, fmt.Errorf("image_folder dataset requires a root")
	}
	var exts []string
	if raw, ok := params["extensions"].([]interface{}); ok {
		for _, e := range raw {
			if s, ok := e.(string); ok {
				exts = append(exts, s)
			}
		}
	}
	return NewImageFolderDataset(root, intOr(params, "image_size", 32), intOr(params, "cache_size", 0), exts)
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

func intOr(params map[string]interface{}, key string, def int) int {
	if n, ok := intValue(params[key]); ok {
		return n
	}
	return def
}

func floatOr(params map[string]interface{}, key string, def float64) float64 {
	switch n := params[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}

func stringOr(params map[string]interface{}, key string, def string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return def
}

func boolOr(params map[string]interface{}, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}
