// webhook is a generic webhook Provider implementation that posts code
// notifications to a URL, for instance an in-house mailer service.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/freshcart/otpgate/internal/providers/smtp"
	"github.com/freshcart/otpgate/pkg/models"
)

// Webhook is the default representation of the Webhook interface.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	To      string         `json:"to"`
	Purpose models.Purpose `json:"purpose"`
	Code    string         `json:"code"`
	Subject string         `json:"subject"`
	Body    string         `json:"body"`
}

// Config contains the webhook provider configuration.
type Config struct {
	URL         string `json:"url"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ChannelName string `json:"channel_name"`
	MaxBodyLen  int    `json:"max_body_len"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New returns a webhook provider.
func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if cfg.ID == "" {
		cfg.ID = "webhook"
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = "E-mail"
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// ChannelName returns the Provider's name.
func (w *Webhook) ChannelName() string {
	return w.cfg.ChannelName
}

// ValidateAddress validates the e-mail address.
func (w *Webhook) ValidateAddress(to string) error {
	return smtp.ValidateAddress(to)
}

// Push posts the message to the webhook.
func (w *Webhook) Push(ctx context.Context, m models.Message) error {
	p := Payload{
		To:      m.To,
		Purpose: m.Purpose,
		Code:    m.Code,
		Subject: m.Subject,
		Body:    string(m.Body),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "otpgate")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MaxAddressLen returns the maximum allowed length of the e-mail address.
func (w *Webhook) MaxAddressLen() int {
	return 100
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return w.cfg.MaxBodyLen
}
