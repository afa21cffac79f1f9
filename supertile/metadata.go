package supertile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MetadataFilename is the name of the metadata document stored in a
// pyramid's root directory.
const MetadataFilename = "metadata.json"

// Metadata is a flat mapping of dotted keys (e.g. "Pyramid.TileSize") to
// values.  On disk it is persisted as nested JSON so documents remain
// readable by other tooling that expects nested objects.
type Metadata map[string]interface{}

// NewMetadata returns a Metadata, copying entries from the given source
// if it is non-nil.
func NewMetadata(src Metadata) Metadata {
	md := make(Metadata)
	for k, v := range src {
		md[k] = v
	}
	return md
}

// Keys returns all keys in sorted order.
func (md Metadata) Keys() []string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (md Metadata) Set(key string, value interface{}) {
	md[key] = value
}

// GetFloat returns the value for a dotted key as a float64, handling both
// float and integer stored values.  Missing keys are an error since callers
// use GetFloat for required fields.
func (md Metadata) GetFloat(key string) (float64, error) {
	v, found := md[key]
	if !found {
		return 0, fmt.Errorf("required metadata field %q not found", key)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	default:
		return 0, fmt.Errorf("metadata field %q is %T, not a number", key, v)
	}
}

// GetInt is like GetFloat but truncates to an integer.  JSON unmarshals all
// numbers as float64 so integral fields round-trip through this.
func (md Metadata) GetInt(key string) (int, error) {
	f, err := md.GetFloat(key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// GetString returns the value for a dotted key as a string.
func (md Metadata) GetString(key string) (string, error) {
	v, found := md[key]
	if !found {
		return "", fmt.Errorf("required metadata field %q not found", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("metadata field %q is %T, not a string", key, v)
	}
	return s, nil
}

// GetFloatOrDefault returns the value for a dotted key, or def if absent.
func (md Metadata) GetFloatOrDefault(key string, def float64) float64 {
	if _, found := md[key]; !found {
		return def
	}
	f, err := md.GetFloat(key)
	if err != nil {
		return def
	}
	return f
}

// GetIntOrDefault returns the value for a dotted key, or def if absent.
func (md Metadata) GetIntOrDefault(key string, def int) int {
	return int(md.GetFloatOrDefault(key, float64(def)))
}

// GetStringOrDefault returns the value for a dotted key, or def if absent.
func (md Metadata) GetStringOrDefault(key, def string) string {
	s, err := md.GetString(key)
	if err != nil {
		return def
	}
	return s
}

// nest converts the flat dotted-key map into nested maps for JSON output.
func (md Metadata) nest() map[string]interface{} {
	root := make(map[string]interface{})
	for _, key := range md.Keys() {
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, found := node[part].(map[string]interface{})
			if !found {
				child = make(map[string]interface{})
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = md[key]
	}
	return root
}

// flatten folds nested JSON maps back into dotted keys.
func flatten(prefix string, node map[string]interface{}, md Metadata) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]interface{}); ok {
			flatten(key, child, md)
		} else {
			md[key] = v
		}
	}
}

// MarshalJSON writes the metadata as nested JSON objects.
func (md Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(md.nest())
}

// UnmarshalJSON reads nested JSON objects into flat dotted keys.
func (md Metadata) UnmarshalJSON(b []byte) error {
	var nested map[string]interface{}
	if err := json.Unmarshal(b, &nested); err != nil {
		return err
	}
	flatten("", nested, md)
	return nil
}

// WriteFile persists the metadata document to dir/metadata.json.
func (md Metadata) WriteFile(dir string) error {
	b, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MetadataFilename), b, 0644)
}

// LoadMetadata reads a metadata document from dir/metadata.json.
func LoadMetadata(dir string) (Metadata, error) {
	b, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	if err != nil {
		return nil, fmt.Errorf("unable to load pyramid metadata: %v", err)
	}
	md := make(Metadata)
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("malformed pyramid metadata: %v", err)
	}
	return md, nil
}
