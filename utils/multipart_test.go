package utils

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"vo_platform/base"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartRequest(t *testing.T, files map[string][]byte) *http.Request {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("LANG", "ADQL"))
	for name, data := range files {
		part, err := mw.CreateFormFile(name, name+".vot")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	r := httptest.NewRequest(http.MethodPost, "/tap/sync", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestParseMultipartForm(t *testing.T) {
	const limit = 1000

	r := multipartRequest(t, map[string][]byte{"t1": bytes.Repeat([]byte("x"), limit)})
	require.NoError(t, ParseMultipartForm(r, limit))
	assert.Equal(t, "ADQL", r.FormValue("LANG"))
	require.Len(t, r.MultipartForm.File["t1"], 1)
	assert.Equal(t, int64(limit), r.MultipartForm.File["t1"][0].Size)

	// the limit applies per file
	r = multipartRequest(t, map[string][]byte{
		"t1": bytes.Repeat([]byte("x"), limit),
		"t2": bytes.Repeat([]byte("y"), limit),
	})
	require.NoError(t, ParseMultipartForm(r, limit))

	r = multipartRequest(t, map[string][]byte{"t1": bytes.Repeat([]byte("x"), limit+1)})
	err := ParseMultipartForm(r, limit)
	var tooLarge *base.TooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(limit), tooLarge.Limit)
	assert.Equal(t, http.StatusRequestEntityTooLarge, base.StatusCode(err))

	r = multipartRequest(t, map[string][]byte{"t1": bytes.Repeat([]byte("x"), limit+MultipartOverhead)})
	require.ErrorAs(t, ParseMultipartForm(r, limit), &tooLarge)

	r = httptest.NewRequest(http.MethodPost, "/tap/sync", bytes.NewBufferString("garbage"))
	r.Header.Set("Content-Type", "multipart/form-data; boundary=none")
	var verr *base.ValidationError
	require.ErrorAs(t, ParseMultipartForm(r, limit), &verr)
}
