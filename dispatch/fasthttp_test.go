package dispatch

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestDescriptorFromFastHTTP(t *testing.T) {
	var req fasthttp.Request
	req.Header.SetMethod("POST")
	req.SetRequestURI("/items/42?full=1")
	req.Header.Set("X-Tenant", "acme")
	req.Header.Set("X-Trace-Span", "span-9")
	req.SetBodyString(`{"a":1}`)

	var reqCtx fasthttp.RequestCtx
	reqCtx.Init(&req, nil, nil)

	conn := descriptorFromFastHTTP(&reqCtx)
	assert.Equal(t, "POST", conn.Method)
	assert.Equal(t, "/items/42", conn.Path)
	assert.Equal(t, "full=1", conn.Query)
	assert.Equal(t, int64(7), conn.ContentLength)
	assert.Equal(t, "acme", conn.HeaderValue("X-Tenant"))
	assert.Equal(t, "span-9", conn.HeaderValue("X-Trace-Span"))

	body, err := io.ReadAll(conn.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}
