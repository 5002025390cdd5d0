package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_KeepsOrderAndContent(t *testing.T) {
	t.Parallel()

	files := []File{
		{Name: "b.xml", Data: []byte("<b/>")},
		{Name: "a.xml", Data: bytes.Repeat([]byte("<a/>"), 1000)},
		{Name: "c.xml", Data: []byte{}},
	}

	data, err := Build(files, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)

	for i, f := range zr.File {
		assert.Equal(t, files[i].Name, f.Name)
		assert.Equal(t, zip.Deflate, f.Method)

		rc, err := f.Open()
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		assert.Equal(t, files[i].Data, got)
	}
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()

	_, err := Build(nil, time.Now())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestName(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 9, 14, 7, 2, 345_000_000, time.FixedZone("WAT", 3600))
	assert.Equal(t, "conversions-2025-03-09T13-07-02.zip", Name(at))
}
