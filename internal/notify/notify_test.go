package notify

import (
	"context"
	"errors"
	"html/template"
	"testing"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const bodies = `
{{ define "signup" }}<p>Welcome to {{ .AppName }}. Your code is <b>{{ .Code }}</b>, valid for {{ .TTL.Minutes }} minutes.</p>{{ end }}
{{ define "user_reset" }}<p>Reset code for {{ .To }}: {{ .Code }}</p>{{ end }}
{{ define "admin_reset" }}<p>Admin reset code: {{ .Code | quote }}</p>{{ end }}
`

var subjects = map[models.Purpose]string{
	models.PurposeSignup:     "{{ .AppName }} signup code",
	models.PurposeUserReset:  "Reset your {{ .AppName }} password",
	models.PurposeAdminReset: "{{ .AppName | upper }} admin reset",
}

type fakeProv struct {
	sent   []models.Message
	err    error
	maxLen int
}

func (f *fakeProv) ID() string                   { return "fake" }
func (f *fakeProv) ChannelName() string          { return "E-mail" }
func (f *fakeProv) ValidateAddress(string) error { return nil }
func (f *fakeProv) MaxAddressLen() int           { return 100 }
func (f *fakeProv) MaxBodyLen() int              { return f.maxLen }
func (f *fakeProv) Push(_ context.Context, m models.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func newDispatcher(t *testing.T, p models.Provider) *Dispatcher {
	tpl, err := template.New("email").Funcs(sprig.FuncMap()).Parse(bodies)
	require.NoError(t, err)

	d, err := New(p, tpl, subjects, Opt{AppName: "FreshCart", TTL: 10 * time.Minute}, logf.New(logf.Opts{}))
	require.NoError(t, err)
	return d
}

func TestNotify(t *testing.T) {
	p := &fakeProv{}
	d := newDispatcher(t, p)

	require.NoError(t, d.Notify(context.Background(), "shopper@freshcart.test", models.PurposeSignup, "042317"))
	require.NoError(t, d.Notify(context.Background(), "shopper@freshcart.test", models.PurposeUserReset, "555111"))
	require.NoError(t, d.Notify(context.Background(), "admin@freshcart.test", models.PurposeAdminReset, "900001"))
	require.Len(t, p.sent, 3)

	m := p.sent[0]
	assert.Equal(t, "shopper@freshcart.test", m.To)
	assert.Equal(t, models.PurposeSignup, m.Purpose)
	assert.Equal(t, "042317", m.Code)
	assert.Equal(t, "FreshCart signup code", m.Subject)
	assert.Equal(t, "<p>Welcome to FreshCart. Your code is <b>042317</b>, valid for 10 minutes.</p>", string(m.Body))

	assert.Equal(t, "Reset your FreshCart password", p.sent[1].Subject)
	assert.Contains(t, string(p.sent[1].Body), "shopper@freshcart.test: 555111")

	assert.Equal(t, "FRESHCART admin reset", p.sent[2].Subject)
	assert.Contains(t, string(p.sent[2].Body), "900001")
}

func TestNotifyProviderError(t *testing.T) {
	p := &fakeProv{err: errors.New("smtp down")}
	d := newDispatcher(t, p)

	err := d.Notify(context.Background(), "shopper@freshcart.test", models.PurposeSignup, "042317")
	assert.EqualError(t, err, "smtp down")
}

func TestNotifyBodyLimit(t *testing.T) {
	p := &fakeProv{maxLen: 10}
	d := newDispatcher(t, p)

	err := d.Notify(context.Background(), "shopper@freshcart.test", models.PurposeSignup, "042317")
	assert.Error(t, err)
	assert.Empty(t, p.sent)
}

func TestNotifyInvalidPurpose(t *testing.T) {
	d := newDispatcher(t, &fakeProv{})
	err := d.Notify(context.Background(), "shopper@freshcart.test", models.Purpose("checkout"), "042317")
	assert.ErrorIs(t, err, models.ErrInvalidPurpose)
}

func TestNewMissingTemplates(t *testing.T) {
	tpl, err := template.New("email").Parse(`{{ define "signup" }}x{{ end }}`)
	require.NoError(t, err)

	_, err = New(&fakeProv{}, tpl, subjects, Opt{}, logf.New(logf.Opts{}))
	assert.Error(t, err, "missing body templates should fail")

	full, err := template.New("email").Funcs(sprig.FuncMap()).Parse(bodies)
	require.NoError(t, err)
	_, err = New(&fakeProv{}, full, map[models.Purpose]string{models.PurposeSignup: "x"}, Opt{}, logf.New(logf.Opts{}))
	assert.Error(t, err, "missing subjects should fail")
}
