// Package archive packs in-memory file sets into tar archives and back. The
// container engine's copy endpoints speak tar, so this is the transfer codec
// between submitted files and the grader container filesystem.
package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"sort"
)

// File is one named entry to pack. Mode 0 falls back to 0644.
type File struct {
	Data string
	Mode int64
}

// Pack builds a tar archive with one entry per file, in sorted name order so
// the output is deterministic for a given input.
func Pack(files map[string]File) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := files[name]
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name: name,
			Mode: mode,
			Size: int64(len(f.Data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header %q: %w", name, err)
		}
		if _, err := io.WriteString(tw, f.Data); err != nil {
			return nil, fmt.Errorf("write tar entry %q: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize tar: %w", err)
	}
	return buf.Bytes(), nil
}

// PackStrings packs plain name→content pairs with default modes.
func PackStrings(files map[string]string) ([]byte, error) {
	entries := make(map[string]File, len(files))
	for name, data := range files {
		entries[name] = File{Data: data}
	}
	return Pack(entries)
}

// Unpack reads every entry of a tar stream fully and returns the contents
// keyed by entry name. A zero-entry archive yields an empty, non-nil map. A
// truncated or malformed stream is an error.
func Unpack(r io.Reader) (map[string]string, error) {
	result := make(map[string]string)
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read tar entry %q: %w", hdr.Name, err)
		}
		result[hdr.Name] = string(data)
	}
}
