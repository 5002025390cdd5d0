// Package archive bundles converted files into a single zip.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
)

// CompressionLevel is the deflate level used for every entry.
const CompressionLevel = 6

var ErrEmpty = errors.New("no files to archive")

type File struct {
	Name string
	Data []byte
}

// Build writes files, in order, into a deflate compressed zip.
func Build(files []File, modified time.Time) ([]byte, error) {
	if len(files) == 0 {
		return nil, ErrEmpty
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, CompressionLevel)
	})

	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", f.Name, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Name returns the archive file name for a bulk download started at t.
func Name(t time.Time) string {
	return "conversions-" + t.UTC().Format("2006-01-02T15-04-05") + ".zip"
}
