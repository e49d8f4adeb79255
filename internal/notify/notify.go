// Package notify renders code notifications from per-purpose templates and
// pushes them out through a delivery Provider.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	txttpl "text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/knadh/stuffbin"
	"github.com/zerodha/logf"
)

// Opt contains values exposed to the templates.
type Opt struct {
	AppName string
	TTL     time.Duration
}

// Dispatcher implements otp.Notifier.
type Dispatcher struct {
	prov     models.Provider
	body     *template.Template
	subjects map[models.Purpose]*txttpl.Template
	opt      Opt
	lo       logf.Logger
}

// tplData is the data passed to the subject and body templates.
type tplData struct {
	To      string
	Purpose models.Purpose
	Code    string
	TTL     time.Duration
	AppName string
}

// LoadTemplates parses the body templates matching pattern from the given
// filesystem. Every purpose is expected to have a {{ define }} block of the
// same name.
func LoadTemplates(fs stuffbin.FileSystem, pattern string) (*template.Template, error) {
	return stuffbin.ParseTemplatesGlob(sprig.FuncMap(), fs, pattern)
}

// New returns a Dispatcher. subjects maps purposes to text template
// strings. body must define a template for every purpose.
func New(p models.Provider, body *template.Template, subjects map[models.Purpose]string, o Opt, lo logf.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		prov:     p,
		body:     body,
		subjects: make(map[models.Purpose]*txttpl.Template, len(subjects)),
		opt:      o,
		lo:       lo,
	}

	for _, pr := range models.Purposes {
		if body == nil || body.Lookup(string(pr)) == nil {
			return nil, fmt.Errorf("no body template for '%s'", pr)
		}

		s, ok := subjects[pr]
		if !ok || s == "" {
			return nil, fmt.Errorf("no subject template for '%s'", pr)
		}

		tpl, err := txttpl.New(string(pr)).Funcs(sprig.TxtFuncMap()).Parse(s)
		if err != nil {
			return nil, fmt.Errorf("error parsing subject template for '%s': %v", pr, err)
		}
		d.subjects[pr] = tpl
	}

	return d, nil
}

// Provider returns the delivery provider.
func (d *Dispatcher) Provider() models.Provider {
	return d.prov
}

// Notify renders the purpose's templates and pushes the message.
func (d *Dispatcher) Notify(ctx context.Context, identity string, purpose models.Purpose, code string) error {
	m, err := d.render(identity, purpose, code)
	if err != nil {
		return err
	}

	d.lo.Debug("sending code", "to", identity, "provider", d.prov.ID(), "purpose", purpose)
	return d.prov.Push(ctx, m)
}

func (d *Dispatcher) render(identity string, purpose models.Purpose, code string) (models.Message, error) {
	subjTpl, ok := d.subjects[purpose]
	if !ok {
		return models.Message{}, models.ErrInvalidPurpose
	}

	var (
		subj = &bytes.Buffer{}
		body = &bytes.Buffer{}

		data = tplData{
			To:      identity,
			Purpose: purpose,
			Code:    code,
			TTL:     d.opt.TTL,
			AppName: d.opt.AppName,
		}
	)

	if err := subjTpl.Execute(subj, data); err != nil {
		return models.Message{}, fmt.Errorf("error rendering subject: %v", err)
	}
	if err := d.body.ExecuteTemplate(body, string(purpose), data); err != nil {
		return models.Message{}, fmt.Errorf("error rendering body: %v", err)
	}

	if limit := d.prov.MaxBodyLen(); limit > 0 && body.Len() > limit {
		return models.Message{}, fmt.Errorf("message body (%d) exceeds the provider's limit (%d)", body.Len(), limit)
	}

	return models.Message{
		To:      identity,
		Purpose: purpose,
		Code:    code,
		Subject: subj.String(),
		Body:    body.Bytes(),
	}, nil
}
