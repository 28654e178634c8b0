package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Metafile is the subset of the esbuild metafile the assets manifest is
// derived from.
type Metafile struct {
	Inputs  map[string]MetafileInput  `json:"inputs"`
	Outputs map[string]MetafileOutput `json:"outputs"`
}

// MetafileInput is an input file of a build.
type MetafileInput struct {
	Bytes int `json:"bytes"`
}

// MetafileOutput is an output file of a build.
type MetafileOutput struct {
	Bytes      int    `json:"bytes"`
	EntryPoint string `json:"entryPoint,omitempty"`
	CSSBundle  string `json:"cssBundle,omitempty"`
}

// ParseMetafile decodes raw metafile JSON.
func ParseMetafile(raw string) (*Metafile, error) {
	var m Metafile
	if raw == "" {
		return &m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse metafile: %w", err)
	}
	return &m, nil
}

// AssetEntry lists the public URLs of one entry's output files.
type AssetEntry struct {
	JS  string `json:"js,omitempty"`
	CSS string `json:"css,omitempty"`
}

// Assets is the manifest runtime bundles read to reference browser output.
type Assets map[string]AssetEntry

// BuildAssets derives the assets manifest from a metafile. root is the
// working directory metafile paths are relative to, outDir the directory
// public URLs are relative to.
func BuildAssets(m *Metafile, root, outDir, publicPath string) (Assets, error) {
	assets := Assets{}

	keys := make([]string, 0, len(m.Outputs))
	for k := range m.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		out := m.Outputs[key]
		if out.EntryPoint == "" || !strings.HasSuffix(key, ".js") {
			continue
		}

		rel, err := relativeOutput(root, outDir, key)
		if err != nil {
			return nil, err
		}
		entry := AssetEntry{JS: publicPath + rel}

		if out.CSSBundle != "" {
			css, err := relativeOutput(root, outDir, out.CSSBundle)
			if err != nil {
				return nil, err
			}
			entry.CSS = publicPath + css
		}

		name := strings.TrimSuffix(filepath.Base(rel), ".js")
		assets[name] = entry
	}
	return assets, nil
}

// WriteAssets writes the manifest to path.
func WriteAssets(path string, assets Assets) error {
	data, err := json.MarshalIndent(assets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadAssets reads an assets manifest.
func ReadAssets(path string) (Assets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var assets Assets
	if err := json.Unmarshal(data, &assets); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return assets, nil
}

func relativeOutput(root, outDir, key string) (string, error) {
	abs := key
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, key)
	}
	rel, err := filepath.Rel(outDir, abs)
	if err != nil {
		return "", fmt.Errorf("output %s is outside %s: %w", key, outDir, err)
	}
	return filepath.ToSlash(rel), nil
}
