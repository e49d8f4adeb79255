package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/freshcart/otpgate/internal/providers/smtp"
	"github.com/freshcart/otpgate/pkg/models"
)

const (
	providerID    = "pinpoint"
	channelName   = "E-mail"
	maxAddressLen = 100
	maxBodyLen    = 100 * 1024
	charset       = "UTF-8"
)

// sender is the subset of the Pinpoint client used by the provider.
type sender interface {
	SendMessages(context.Context, *pinpoint.SendMessagesInput, ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// Pinpoint implements an e-mail provider on top of the AWS Pinpoint
// e-mail channel.
type Pinpoint struct {
	cfg Config
	p   sender
}

type Config struct {
	ApplicationID string        `json:"application_id"`
	AccessKey     string        `json:"access_key"`
	SecretKey     string        `json:"secret_key"`
	Region        string        `json:"region"`
	FromEmail     string        `json:"from_email"`
	Timeout       time.Duration `json:"timeout"`
}

// New returns a Pinpoint e-mail provider.
func New(cfg Config) (*Pinpoint, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("invalid access_key")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("invalid secret_key")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("invalid from_email")
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}

	cfgAws, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &Pinpoint{cfg: cfg, p: pinpoint.NewFromConfig(cfgAws)}, nil
}

// ID returns the Provider's ID.
func (p *Pinpoint) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (p *Pinpoint) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" an e-mail address.
func (p *Pinpoint) ValidateAddress(to string) error {
	return smtp.ValidateAddress(to)
}

// Push sends the message through the Pinpoint e-mail channel. Pinpoint
// accepts the request even when delivery to an address is refused, so the
// per-address result is checked as well.
func (p *Pinpoint) Push(ctx context.Context, m models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	input := &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				m.To: {
					ChannelType: types.ChannelTypeEmail,
				},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				EmailMessage: &types.EmailMessage{
					FromAddress: aws.String(p.cfg.FromEmail),
					SimpleEmail: &types.SimpleEmail{
						Subject: &types.SimpleEmailPart{
							Charset: aws.String(charset),
							Data:    aws.String(m.Subject),
						},
						HtmlPart: &types.SimpleEmailPart{
							Charset: aws.String(charset),
							Data:    aws.String(string(m.Body)),
						},
					},
				},
			},
		},
	}

	out, err := p.p.SendMessages(ctx, input)
	if err != nil {
		return err
	}
	if out == nil || out.MessageResponse == nil {
		return nil
	}

	res, ok := out.MessageResponse.Result[m.To]
	if !ok || res.DeliveryStatus == types.DeliveryStatusSuccessful {
		return nil
	}
	return fmt.Errorf("pinpoint delivery %s: %s", res.DeliveryStatus, aws.ToString(res.StatusMessage))
}

// MaxAddressLen returns the maximum allowed length of the e-mail address.
func (p *Pinpoint) MaxAddressLen() int {
	return maxAddressLen
}

// MaxBodyLen returns the max permitted body size.
func (p *Pinpoint) MaxBodyLen() int {
	return maxBodyLen
}
