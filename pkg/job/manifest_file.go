package job

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// manifestEntry is the JSON-serializable form of a Manifest: FragKey isn't a
// valid JSON object key on its own, so each suffix's submap is flattened to
// a list of (key, durable, hash) triples.
type manifestEntry struct {
	Suffix  string          `json:"suffix"`
	Entries []manifestPoint `json:"entries"`
}

type manifestPoint struct {
	Index   int    `json:"index,omitempty"`
	Durable bool   `json:"durable,omitempty"`
	Hash    string `json:"hash"`
}

// WriteManifestFile persists a manifest to the partition's hashes file,
// zstd-compressed, the same compression choice the teacher's manifest
// config defaults to (Deltas.Compression: "zstd").
func WriteManifestFile(path string, m Manifest) error {
	f, err := os.CreateTemp(filepath.Dir(path), "hashes-*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp hashes file: %w", err)
	}

	defer os.Remove(f.Name())

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()

		return fmt.Errorf("error creating zstd writer: %w", err)
	}

	if err := encodeManifest(zw, m); err != nil {
		zw.Close()
		f.Close()

		return err
	}

	if err := zw.Close(); err != nil {
		f.Close()

		return fmt.Errorf("error closing zstd writer: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing temp hashes file: %w", err)
	}

	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("error renaming hashes file into place: %w", err)
	}

	return nil
}

// ReadManifestFile loads a manifest previously written by WriteManifestFile.
// A missing file is reported via os.IsNotExist on the returned error.
func ReadManifestFile(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("error creating zstd reader: %w", err)
	}
	defer zr.Close()

	return decodeManifest(zr)
}

func encodeManifest(w io.Writer, m Manifest) error {
	entries := make([]manifestEntry, 0, len(m))

	for _, suffix := range m.Suffixes() {
		me := manifestEntry{Suffix: suffix}

		for k, h := range m[suffix] {
			me.Entries = append(me.Entries, manifestPoint{
				Index:   k.Index,
				Durable: k.Durable,
				Hash:    h,
			})
		}

		entries = append(entries, me)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("error encoding manifest: %w", err)
	}

	return nil
}

func decodeManifest(r io.Reader) (Manifest, error) {
	var entries []manifestEntry

	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("error decoding manifest: %w", err)
	}

	m := make(Manifest, len(entries))

	for _, me := range entries {
		sh := make(SuffixHashes, len(me.Entries))

		for _, p := range me.Entries {
			key := FragKey{Index: p.Index, Durable: p.Durable}
			sh[key] = p.Hash
		}

		m[me.Suffix] = sh
	}

	return m, nil
}
