// Package archive bundles curve outputs into a gzip-compressed tarball.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gridmaster/etm-worker/internal/worker/domain"
)

const entryMode = 0o644

// Entry is a single file read back from an archive
type Entry struct {
	Name    string
	Size    int64
	Content []byte
}

// Build writes one <kind>.csv entry per curve, in input order.
// Entry headers carry a fixed modification time so identical curves
// always produce identical archives.
func Build(curves []domain.CurveResult) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, curve := range curves {
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     curve.FileName(),
			Mode:     entryMode,
			Size:     int64(len(curve.Content)),
			ModTime:  time.Unix(0, 0),
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("failed to write header for %s: %w", header.Name, err)
		}
		if _, err := tw.Write(curve.Content); err != nil {
			return nil, fmt.Errorf("failed to write content for %s: %w", header.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Read unpacks an archive produced by Build
func Read(data []byte) ([]Entry, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var entries []Entry
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", header.Name, err)
		}

		entries = append(entries, Entry{
			Name:    header.Name,
			Size:    header.Size,
			Content: content,
		})
	}

	return entries, nil
}
