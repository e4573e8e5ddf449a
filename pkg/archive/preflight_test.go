package archive

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreflight_Skip(t *testing.T) {
	l, _ := newTestLocal(t)

	rec, err := Preflight(context.Background(), l, ModeSkip)
	require.NoError(t, err)
	assert.Equal(t, string(ModeSkip), rec.Mode)
	assert.Empty(t, rec.Results)

	rec, err = Preflight(context.Background(), l, "")
	require.NoError(t, err)
	assert.Empty(t, rec.Results)
}

func TestPreflight_Stat(t *testing.T) {
	l, _ := newTestLocal(t)

	rec, err := Preflight(context.Background(), l, ModeStat)
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)

	res := rec.Results[0]
	assert.Equal(t, CapArchiveHead, res.Capability)
	assert.True(t, res.Allowed, "missing random key means the backend answered")
}

func TestPreflight_WriteProbeCleansUp(t *testing.T) {
	l, dir := newTestLocal(t)

	rec, err := Preflight(context.Background(), l, ModeWriteProbe)
	require.NoError(t, err)
	require.Len(t, rec.Results, 2)
	assert.Equal(t, CapArchiveHead, rec.Results[0].Capability)
	assert.Equal(t, CapArchiveWrite, rec.Results[1].Capability)
	assert.True(t, rec.Results[1].Allowed)

	// The probe object was deleted again.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			sub, err := os.ReadDir(dir + "/" + e.Name() + "/probe")
			if err == nil {
				assert.Empty(t, sub, "probe objects must not survive preflight")
			}
		}
	}
}

// deniedArchiver fails every operation with access denied.
type deniedArchiver struct{}

func (deniedArchiver) Put(ctx context.Context, key string, body io.Reader, n int64) error {
	return &Error{Op: "Put", Backend: BackendS3, Bucket: "b", Key: key, Err: ErrAccessDenied}
}

func (deniedArchiver) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	return nil, &Error{Op: "Head", Backend: BackendS3, Bucket: "b", Key: key, Err: ErrAccessDenied}
}

func (deniedArchiver) Delete(ctx context.Context, key string) error {
	return &Error{Op: "Delete", Backend: BackendS3, Bucket: "b", Key: key, Err: ErrAccessDenied}
}

func (deniedArchiver) Location(key string) string { return "s3://b/" + key }
func (deniedArchiver) Close() error               { return nil }

func TestPreflight_DeniedBackend(t *testing.T) {
	rec, err := Preflight(context.Background(), deniedArchiver{}, ModeWriteProbe)
	require.Error(t, err)
	assert.True(t, IsAccessDenied(err))

	require.Len(t, rec.Results, 1, "fail-fast on the first denied check")
	res := rec.Results[0]
	assert.Equal(t, CapArchiveHead, res.Capability)
	assert.False(t, res.Allowed)
	assert.Equal(t, CodeAccessDenied, res.ErrorCode)
	assert.NotEmpty(t, res.Detail)
}

func TestNormalizeErrorCode(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{&Error{Err: ErrAccessDenied}, CodeAccessDenied},
		{&Error{Err: ErrInvalidCredentials}, CodeAccessDenied},
		{&Error{Err: ErrNotFound}, CodeNotFound},
		{&Error{Err: ErrBucketNotFound}, CodeNotFound},
		{&Error{Err: ErrThrottled}, CodeThrottled},
		{&Error{Err: ErrUnavailable}, CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizeErrorCode(tt.err))
	}
}
