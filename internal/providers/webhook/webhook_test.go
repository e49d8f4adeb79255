package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/freshcart/otpgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	var (
		got  Payload
		user string
		pass string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL, Username: "mailer", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "webhook", w.ID())

	err = w.Push(context.Background(), models.Message{
		To:      "shopper@freshcart.test",
		Purpose: models.PurposeSignup,
		Code:    "042317",
		Subject: "Your code",
		Body:    []byte("<p>042317</p>"),
	})
	require.NoError(t, err)

	assert.Equal(t, "mailer", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, Payload{
		To:      "shopper@freshcart.test",
		Purpose: models.PurposeSignup,
		Code:    "042317",
		Subject: "Your code",
		Body:    "<p>042317</p>",
	}, got)
}

func TestPushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	err = w.Push(context.Background(), models.Message{To: "shopper@freshcart.test"})
	assert.Error(t, err, "non 2xx upstream response should fail the push")
}

func TestNewWithoutURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
