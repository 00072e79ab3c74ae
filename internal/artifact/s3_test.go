package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testBucket = "rgd-test"

// fakeS3 serves GetObject for a fixed set of path-style keys. The key
// "truncated/data" declares a longer body than it sends and drops the connection.
func fakeS3(t *testing.T, objects map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if key == "truncated/data" {
			conn, buf, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: 1048576\r\n\r\npartial")
			_ = buf.Flush()
			_ = conn.Close()
			return
		}
		body, ok := objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key></Error>`, key)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestS3Store(t *testing.T, endpoint string) (*S3Store, string) {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_PROFILE", "")

	tempDir := t.TempDir()
	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:          testBucket,
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test-secret",
		ForcePathStyle:  true,
		TempDir:         tempDir,
	})
	require.NoError(t, err)
	return s, tempDir
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestS3Store_OpenCopiesToTempFileRemovedOnClose(t *testing.T) {
	srv := fakeS3(t, map[string]string{"datasets/abc/scene.tif": "pixels"})
	s, tempDir := newTestS3Store(t, srv.URL)

	local, err := s.Open(context.Background(), "datasets/abc/scene.tif")
	require.NoError(t, err)
	assert.Equal(t, tempDir, filepath.Dir(local.Path))
	assert.True(t, local.temp)

	b, err := os.ReadFile(local.Path)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(b))

	require.NoError(t, local.Close())
	_, err = os.Stat(local.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Empty(t, dirEntries(t, tempDir))

	// A second Close is a no-op.
	assert.NoError(t, local.Close())
}

func TestS3Store_OpenFailedDownloadLeavesNoFile(t *testing.T) {
	srv := fakeS3(t, nil)
	s, tempDir := newTestS3Store(t, srv.URL)

	local, err := s.Open(context.Background(), "truncated/data")
	require.Error(t, err)
	assert.Nil(t, local)
	assert.Contains(t, err.Error(), "download truncated/data")
	assert.Empty(t, dirEntries(t, tempDir))
}

func TestS3Store_MissingKeyIsNotFound(t *testing.T) {
	srv := fakeS3(t, nil)
	s, tempDir := newTestS3Store(t, srv.URL)
	ctx := context.Background()

	_, err := s.Open(ctx, "datasets/missing/file")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Reader(ctx, "datasets/missing/file")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, dirEntries(t, tempDir))
}

func TestS3Store_RejectsInvalidKey(t *testing.T) {
	srv := fakeS3(t, nil)
	s, _ := newTestS3Store(t, srv.URL)

	_, err := s.Open(context.Background(), "../etc/passwd")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestS3Store_WrapError(t *testing.T) {
	s := &S3Store{bucket: testBucket}

	err := s.wrapError("HeadObject", "k", &smithy.GenericAPIError{Code: "NotFound"})
	assert.ErrorIs(t, err, ErrNotFound)

	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}
	err = s.wrapError("GetObject", "k", denied)
	assert.False(t, errors.Is(err, ErrNotFound))
	var apiErr smithy.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "AccessDenied", apiErr.ErrorCode())
	assert.Contains(t, err.Error(), testBucket+"/k")
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Bucket: " "})
	require.Error(t, err)
}

// setupMinIO starts a MinIO container and returns an S3Store on a fresh bucket.
func setupMinIO(t *testing.T) (*S3Store, string) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Terminate(ctx)) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)

	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_PROFILE", "")

	tempDir := t.TempDir()
	s, err := NewS3Store(ctx, S3Config{
		Bucket:          testBucket,
		Region:          "us-east-1",
		Endpoint:        "http://" + host + ":" + port.Port(),
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		ForcePathStyle:  true,
		TempDir:         tempDir,
	})
	require.NoError(t, err)

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(testBucket)})
	require.NoError(t, err)
	return s, tempDir
}

func TestS3Store_MinIORoundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s, tempDir := setupMinIO(t)
	ctx := context.Background()

	key, err := s.Save(ctx, "groundtruths", "truth.dat", strings.NewReader("the truth"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "groundtruths/"))
	// The upload spool is gone once Save returns.
	assert.Empty(t, dirEntries(t, tempDir))

	local, err := s.Open(ctx, key)
	require.NoError(t, err)
	b, err := os.ReadFile(local.Path)
	require.NoError(t, err)
	assert.Equal(t, "the truth", string(b))
	require.NoError(t, local.Close())
	assert.Empty(t, dirEntries(t, tempDir))

	rc, err := s.Reader(ctx, key)
	require.NoError(t, err)
	b, err = io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "the truth", string(b))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Open(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, dirEntries(t, tempDir))
}
