package protocol

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- client message encoding ---

func TestMakeBindMessage_Golden(t *testing.T) {
	var out bytes.Buffer

	ClientCodec{}.MakeBindMessage(&out, 7, "/foo", "abc", true, false)

	assert.Equal(t, "bind 7 4 3 1 0\n/fooabc", out.String())
}

func TestMakeBindMessage_EmptyPathAndToken(t *testing.T) {
	var out bytes.Buffer

	ClientCodec{}.MakeBindMessage(&out, 1, "", "", false, false)

	assert.Equal(t, "bind 1 0 0 0 0\n", out.String())
}

func TestMakeRefreshMessage(t *testing.T) {
	var out bytes.Buffer

	ClientCodec{}.MakeRefreshMessage(&out, 3, "tok")

	assert.Equal(t, "refresh 3 3\ntok", out.String())
}

func TestMakeIdentMessage(t *testing.T) {
	var out bytes.Buffer

	progress := SyncProgress{
		LatestServerVersion: SaltedVersion{Version: 90, Salt: 91},
		Download:            DownloadCursor{ServerVersion: 50, LastIntegratedClientVersion: 40},
	}
	ClientCodec{}.MakeIdentMessage(&out, 2, SaltedFileIdent{Ident: 10, Salt: 11}, progress)

	assert.Equal(t, "ident 2 10 11 50 40 90 91\n", out.String())
}

func TestMakeClientVersionRequestMessage(t *testing.T) {
	var out bytes.Buffer

	ClientCodec{}.MakeClientVersionRequestMessage(&out, 5, SaltedFileIdent{Ident: 8, Salt: 9})

	assert.Equal(t, "client_version_request 5 8 9\n", out.String())
}

func TestMakeStateRequestMessage(t *testing.T) {
	var out bytes.Buffer

	ClientCodec{}.MakeStateRequestMessage(&out, 4, SaltedVersion{Version: 20, Salt: 21}, 512, true, 5, 11, 1, 2)

	assert.Equal(t, "state_request 4 20 21 512 1 5 11 1 2\n", out.String())
}

func TestMakeUnbindMarkAllocPing(t *testing.T) {
	var out bytes.Buffer
	codec := ClientCodec{}

	codec.MakeUnbindMessage(&out, 6)
	codec.MakeMarkMessage(&out, 6, 77)
	codec.MakeAllocMessage(&out, 6)
	codec.MakePingMessage(&out, 123456, 42)

	assert.Equal(t, "unbind 6\nmark 6 77\nalloc 6\nping 123456 42\n", out.String())
}

// --- upload message builder ---

func TestUploadMessage_Empty(t *testing.T) {
	var b UploadMessageBuilder
	var out bytes.Buffer

	require.NoError(t, b.MakeUploadMessage(&out, 9, 1, 2, 3))

	assert.Equal(t, "upload 9 0 0 0 1 2 3\n", out.String())
}

func TestUploadMessage_SingleChangeset(t *testing.T) {
	var b UploadMessageBuilder
	var out bytes.Buffer

	b.AddChangeset(11, 12, 13, 14, []byte("delta"))
	require.Equal(t, 1, b.NumChangesets())
	require.NoError(t, b.MakeUploadMessage(&out, 9, 11, 12, 12))

	body := "11 12 13 14 5 delta"
	assert.Equal(t, "upload 9 0 19 0 11 12 12\n"+body, out.String())
}

func TestUploadMessage_ThresholdBodyNotCompressed(t *testing.T) {
	// A body of exactly 1024 bytes must be sent verbatim: compression
	// is only attempted for strictly larger bodies.
	var b UploadMessageBuilder
	var out bytes.Buffer

	// Header of the changeset record is "1 1 0 0 1011 " (13 bytes),
	// so 1011 payload bytes produce a 1024-byte body.
	payload := strings.Repeat("a", 1011)
	b.AddChangeset(1, 1, 0, 0, []byte(payload))
	require.NoError(t, b.MakeUploadMessage(&out, 1, 1, 1, 1))

	assert.True(t, strings.HasPrefix(out.String(), "upload 1 0 1024 0 1 1 1\n"))
	assert.Equal(t, len("upload 1 0 1024 0 1 1 1\n")+1024, out.Len())
}

func TestUploadMessage_CompressibleBody(t *testing.T) {
	var b UploadMessageBuilder
	var out bytes.Buffer

	payload := bytes.Repeat([]byte("abcdefgh"), 1024)
	b.AddChangeset(1, 1, 0, 0, payload)
	require.NoError(t, b.MakeUploadMessage(&out, 1, 1, 1, 1))

	header, _, ok := bytes.Cut(out.Bytes(), []byte("\n"))
	require.True(t, ok)
	fields := strings.Fields(string(header))
	require.Len(t, fields, 8)
	assert.Equal(t, "1", fields[2], "is_compressed flag")
	assert.NotEqual(t, "0", fields[4], "compressed size must be reported")
}

func TestUploadMessage_IncompressibleBody(t *testing.T) {
	// Random data does not compress; the message must fall back to the
	// uncompressed body and report a zero compressed size.
	var b UploadMessageBuilder
	var out bytes.Buffer

	payload := make([]byte, 4096)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	b.AddChangeset(1, 1, 0, 0, payload)
	require.NoError(t, b.MakeUploadMessage(&out, 1, 1, 1, 1))

	header, body, ok := bytes.Cut(out.Bytes(), []byte("\n"))
	require.True(t, ok)
	fields := strings.Fields(string(header))
	require.Len(t, fields, 8)
	assert.Equal(t, "0", fields[2], "is_compressed flag")
	assert.Equal(t, "0", fields[4], "compressed size")
	assert.Contains(t, string(body), "4096 ", "record announces original changeset size")
}

func TestUploadMessage_ResetsBuilder(t *testing.T) {
	var b UploadMessageBuilder
	var out bytes.Buffer

	b.AddChangeset(1, 1, 0, 0, []byte("x"))
	require.NoError(t, b.MakeUploadMessage(&out, 1, 1, 1, 1))

	out.Reset()
	require.NoError(t, b.MakeUploadMessage(&out, 1, 2, 2, 2))
	assert.Equal(t, "upload 1 0 0 0 2 2 2\n", out.String())
	assert.Equal(t, 0, b.NumChangesets())
}

// --- authorization header ---

func TestMakeAuthorizationHeader(t *testing.T) {
	assert.Equal(t, "Bearer sometoken", MakeAuthorizationHeader("sometoken"))
}

func TestParseAuthorizationHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
		token  string
		ok     bool
	}{
		{"valid", "Bearer sometoken", "sometoken", true},
		{"minimum length", "Bearer abcd", "abcd", true},
		{"too short", "Bearer abc", "", false},
		{"wrong scheme", "Basic sometoken", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, ok := ParseAuthorizationHeader(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.token, token)
		})
	}
}
