package transport

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendPostsGzippedPayload(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Clone()
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		gotBody, err = io.ReadAll(zr)
		require.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, 5*time.Second, nil)
	payload := []byte(`[{"eventType":"VISIT"}]`)
	resp, err := s.Send(context.Background(), payload, "application/json")
	require.NoError(t, err)

	require.Equal(t, http.StatusNoContent, resp.Code)
	require.Equal(t, payload, gotBody)
	require.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	require.Equal(t, "gzip", gotHeader.Get("Content-Encoding"))
	require.NotEmpty(t, gotHeader.Get("X-Timestamp"))
}

func TestSendCountsCompressedBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := io.Copy(io.Discard, r.Body)
		require.NoError(t, err)
		require.Equal(t, r.ContentLength, n)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// A repetitive payload compresses well below its raw size.
	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = 'a'
	}
	s := NewHTTPSender(srv.URL, 5*time.Second, nil)
	resp, err := s.Send(context.Background(), payload, "application/json")
	require.NoError(t, err)
	require.Positive(t, resp.BytesUsed)
	require.Less(t, resp.BytesUsed, int64(len(payload)))
}

func TestSendReportsErrorStatusAsResponse(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusUnavailableForLegalReasons, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		s := NewHTTPSender(srv.URL, 5*time.Second, nil)
		resp, err := s.Send(context.Background(), []byte(`[]`), "application/json")
		srv.Close()

		// HTTP-level failures are responses, not errors.
		require.NoError(t, err)
		require.Equal(t, status, resp.Code)
	}
}

func TestSendReturnsErrorWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	s := NewHTTPSender(srv.URL, time.Second, nil)
	_, err := s.Send(context.Background(), []byte(`[]`), "application/json")
	require.Error(t, err)
}

func TestSendHonorsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	s := NewHTTPSender(srv.URL, 10*time.Second, nil)
	_, err := s.Send(ctx, []byte(`[]`), "application/json")
	require.Error(t, err)
}
