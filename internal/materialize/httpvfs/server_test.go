package httpvfs

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarbridge/internal/archive"
)

// fixtureReader serves ReadAt against an in-memory byte slice, standing in
// for a real archive entry so the HTTP layer can be exercised without a
// RAR fixture.
type fixtureReader struct {
	data []byte
}

func (r *fixtureReader) Size() int64  { return int64(len(r.data)) }
func (r *fixtureReader) Close() error { return nil }

func (r *fixtureReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type fixtureOpener struct {
	data []byte
}

func (o fixtureOpener) OpenEntry(string) (archive.EntryReader, error) {
	return &fixtureReader{data: o.data}, nil
}

// newFixtureServer builds a Server wired against an in-memory fixture
// instead of a real archive, with a single registered token.
func newFixtureServer(t *testing.T, data []byte) (*Server, Registration) {
	t.Helper()

	registry := NewRegistry(8)
	reg := registry.Register("/archives/Movie.rar", "Movie.mkv", int64(len(data)), "")

	srv := NewServer(Config{MaxConcurrentStreams: 4, StreamChunkSize: 4096}, registry)
	srv.openSession = func(string, string) (archive.EntryOpener, error) {
		return fixtureOpener{data: data}, nil
	}

	return srv, reg
}

func TestServerHeadGetConsistency(t *testing.T) {
	data := make([]byte, 3<<20) // 3 MiB fixture entry
	for i := range data {
		data[i] = byte(i % 251)
	}
	srv, reg := newFixtureServer(t, data)

	headReq := httptest.NewRequest(fiber.MethodHead, fmt.Sprintf("/%s/Movie.mkv", reg.Token), nil)
	headResp, err := srv.app.Test(headReq, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, headResp.StatusCode)
	assert.Equal(t, strconv.Itoa(len(data)), headResp.Header.Get(fiber.HeaderContentLength))
	assert.Equal(t, "bytes", headResp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "no-store", headResp.Header.Get("Cache-Control"))

	getReq := httptest.NewRequest(fiber.MethodGet, fmt.Sprintf("/%s/Movie.mkv", reg.Token), nil)
	getResp, err := srv.app.Test(getReq, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, getResp.StatusCode)

	// P8: HEAD and full-body GET report identical Content-Length.
	assert.Equal(t, headResp.Header.Get(fiber.HeaderContentLength), getResp.Header.Get(fiber.HeaderContentLength))

	body, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, body)
}

func TestServerRangeServesExactBytes(t *testing.T) {
	data := make([]byte, 3<<20)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srv, reg := newFixtureServer(t, data)

	req := httptest.NewRequest(fiber.MethodGet, fmt.Sprintf("/%s/Movie.mkv", reg.Token), nil)
	req.Header.Set("Range", "bytes=1048576-2097151")
	resp, err := srv.app.Test(req, 5000)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "1048576", resp.Header.Get(fiber.HeaderContentLength),
		"a 206 response's Content-Length must equal the served range length, not the full entry size")
	assert.Equal(t, fmt.Sprintf("bytes 1048576-2097151/%d", len(data)), resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// P7: the returned bytes equal full_entry[a..b+1].
	assert.Equal(t, data[1048576:2097152], body)
}

func TestServerRangeSingleByteAtEOFBoundary(t *testing.T) {
	data := make([]byte, 1024)
	srv, reg := newFixtureServer(t, data)

	req := httptest.NewRequest(fiber.MethodGet, fmt.Sprintf("/%s/Movie.mkv", reg.Token), nil)
	req.Header.Set("Range", "bytes=1023-")
	resp, err := srv.app.Test(req, 5000)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderContentLength))
	assert.Equal(t, "bytes 1023-1023/1024", resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[1023:1024], body)
}

func TestServerRangeAtEOFIsUnsatisfiable(t *testing.T) {
	data := make([]byte, 1024)
	srv, reg := newFixtureServer(t, data)

	req := httptest.NewRequest(fiber.MethodGet, fmt.Sprintf("/%s/Movie.mkv", reg.Token), nil)
	req.Header.Set("Range", "bytes=1024-")
	resp, err := srv.app.Test(req, 5000)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */1024", resp.Header.Get("Content-Range"))
}

func TestServerUnknownTokenIsNotFound(t *testing.T) {
	srv, _ := newFixtureServer(t, []byte("x"))

	req := httptest.NewRequest(fiber.MethodGet, "/nonexistent/Movie.mkv", nil)
	resp, err := srv.app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestServerRejectsUnsupportedMethod(t *testing.T) {
	srv, reg := newFixtureServer(t, []byte("x"))

	req := httptest.NewRequest(fiber.MethodPost, fmt.Sprintf("/%s/Movie.mkv", reg.Token), nil)
	resp, err := srv.app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))
}

func TestParseRangeFullSpec(t *testing.T) {
	start, end, has, unsat := parseRange("bytes=1048576-2097151", 10<<20)
	assert.True(t, has)
	assert.False(t, unsat)
	assert.Equal(t, int64(1048576), start)
	assert.Equal(t, int64(2097151), end)
}

func TestParseRangeOpenEnded(t *testing.T) {
	size := int64(10 << 20)
	start, end, has, unsat := parseRange("bytes=1048576-", size)
	assert.True(t, has)
	assert.False(t, unsat)
	assert.Equal(t, int64(1048576), start)
	assert.Equal(t, size-1, end)
}

func TestParseRangeSingleByteAtStart(t *testing.T) {
	start, end, has, unsat := parseRange("bytes=0-0", 1024)
	assert.True(t, has)
	assert.False(t, unsat)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(0), end)
}

func TestParseRangeLastByte(t *testing.T) {
	size := int64(1024)
	start, end, has, unsat := parseRange("bytes=1023-", size)
	assert.True(t, has)
	assert.False(t, unsat)
	assert.Equal(t, size-1, start)
	assert.Equal(t, size-1, end)
}

func TestParseRangeAtEOFIsUnsatisfiable(t *testing.T) {
	size := int64(10485760)
	_, _, has, unsat := parseRange("bytes=10485760-", size)
	assert.False(t, has)
	assert.True(t, unsat)
}

func TestParseRangeMultiRangeRejected(t *testing.T) {
	_, _, has, unsat := parseRange("bytes=0-99,200-299", 1024)
	assert.False(t, has)
	assert.True(t, unsat)
}

func TestParseRangeClampsEndToSize(t *testing.T) {
	start, end, has, unsat := parseRange("bytes=0-999999", 1024)
	assert.True(t, has)
	assert.False(t, unsat)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(1023), end)
}

func TestParseRangeNoHeader(t *testing.T) {
	_, _, has, unsat := parseRange("", 1024)
	assert.False(t, has)
	assert.False(t, unsat)
}

func TestRegistryLookupUnknownToken(t *testing.T) {
	r := NewRegistry(8)
	_, ok := r.Lookup("nonexistent")
	assert.False(t, ok)
}

func TestRegistryRegisterThenLookup(t *testing.T) {
	r := NewRegistry(8)
	reg := r.Register("/archives/Movie.rar", "Movie.mkv", 1024, "")

	got, ok := r.Lookup(reg.Token)
	assert.True(t, ok)
	assert.Equal(t, "/archives/Movie.rar", got.ArchivePath)
	assert.Equal(t, "Movie.mkv", got.EntryPath)
	assert.Equal(t, int64(1024), got.Size)
}

func TestRegistryReleaseRemovesToken(t *testing.T) {
	r := NewRegistry(8)
	reg := r.Register("/archives/Movie.rar", "Movie.mkv", 1024, "")
	r.Release(reg.Token)

	_, ok := r.Lookup(reg.Token)
	assert.False(t, ok)
}

func TestRegistrySharedHandleAcrossTwoTokens(t *testing.T) {
	r := NewRegistry(8)
	a := r.Register("/archives/Movie.rar", "Movie.mkv", 1024, "")
	b := r.Register("/archives/Movie.rar", "Movie.mkv", 1024, "")

	assert.NotEqual(t, a.Token, b.Token, "each pointer file gets its own token even for the same entry")
	assert.Equal(t, 2, r.Len())
}
