package alma

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/internal/httpclient"
)

// fakeAlma accepts one session cookie value at a time; bumping it expires the current session.
type fakeAlma struct {
	t        *testing.T
	logins   atomic.Int32
	uploads  atomic.Int32
	valid    atomic.Value
	lastFile atomic.Value
}

func (f *fakeAlma) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/session":
		var body sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Password != "secret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		n := f.logins.Add(1)
		token := fmt.Sprintf("session-%d", n)
		f.valid.Store(token)
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: token})
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPut && r.URL.Path == "/scorecard/5/upload/dhis":
		cookie, err := r.Cookie("sid")
		if err != nil || cookie.Value != f.valid.Load() {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		file, header, err := r.FormFile("file")
		if !assert.NoError(f.t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		assert.Equal(f.t, "temp.json", header.Filename)
		raw, _ := io.ReadAll(file)
		f.lastFile.Store(string(raw))
		f.uploads.Add(1)
		w.Write([]byte(`{"imported":1}`))

	default:
		http.NotFound(w, r)
	}
}

func newFake(t *testing.T) (*fakeAlma, *Client) {
	fake := &fakeAlma{t: t}
	fake.valid.Store("")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := NewClient(Config{URL: srv.URL + "/", Username: "admin", Password: "secret", Backend: "dhis2"},
		httpclient.New(httpclient.Options{Timeout: time.Second}))
	return fake, client
}

func TestUploadWrapsDataValues(t *testing.T) {
	fake, client := newFake(t)

	resp, err := client.Upload(context.Background(), 5, json.RawMessage(`{"rows":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"imported":1}`, string(resp))
	assert.JSONEq(t, `{"dataValues":[{"rows":[]}]}`, fake.lastFile.Load().(string))
	assert.Equal(t, int32(1), fake.logins.Load())
}

func TestUploadReusesSession(t *testing.T) {
	fake, client := newFake(t)

	for i := 0; i < 3; i++ {
		_, err := client.Upload(context.Background(), 5, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fake.logins.Load())
	assert.Equal(t, int32(3), fake.uploads.Load())
}

func TestUploadLogsInAgainWhenSessionExpires(t *testing.T) {
	fake, client := newFake(t)

	_, err := client.Upload(context.Background(), 5, json.RawMessage(`{}`))
	require.NoError(t, err)

	fake.valid.Store("rotated")

	_, err = client.Upload(context.Background(), 5, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.logins.Load())
	assert.Equal(t, int32(2), fake.uploads.Load())
}

func TestLoginFailureIsExternalServiceError(t *testing.T) {
	_, client := newFake(t)
	client.cfg.Password = "wrong"

	_, err := client.Upload(context.Background(), 5, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsExternalServiceError(err))
	assert.Contains(t, err.Error(), "alma login returned 401")
}

func TestUploadToUnknownScorecard(t *testing.T) {
	_, client := newFake(t)

	_, err := client.Upload(context.Background(), 99, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsExternalServiceError(err))
	assert.Contains(t, err.Error(), "scorecard 99 returned 404")
}
