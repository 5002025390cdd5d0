package services

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfxml/config"
)

func newTestS3(t *testing.T, handler http.HandlerFunc) *S3Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewS3Service(&config.Config{
		S3Bucket:       "exports",
		S3Region:       "us-east-1",
		AWSS3AccessKey: "AKIDEXAMPLE",
		AWSS3SecretKey: "secret",
		S3Endpoint:     srv.URL,
		S3UsePathStyle: true,
	})
}

func TestS3Service_Upload(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotPath, gotType string
	var gotBody []byte
	svc := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	})

	key := svc.ArchiveKey("user-1", "conversions-2025-01-02T03-04-05.zip")
	require.NoError(t, svc.Upload(context.Background(), key, []byte("PK\x03\x04"), "application/zip"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/exports/archives/user-1/conversions-2025-01-02T03-04-05.zip", gotPath)
	assert.Equal(t, "application/zip", gotType)
	assert.Equal(t, []byte("PK\x03\x04"), gotBody)
}

func TestS3Service_PresignDownload(t *testing.T) {
	t.Parallel()

	svc := newTestS3(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("presigning must not call S3")
	})

	url, err := svc.PresignDownload("archives/u/a.zip", "a.zip", 15*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "/exports/archives/u/a.zip")
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=900")
	assert.True(t, strings.Contains(url, "response-content-disposition="))
}
