package pinpoint

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/freshcart/otpgate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	in     *pinpoint.SendMessagesInput
	status types.DeliveryStatus
}

func (f *fakeSender) SendMessages(_ context.Context, in *pinpoint.SendMessagesInput, _ ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error) {
	f.in = in
	to := ""
	for a := range in.MessageRequest.Addresses {
		to = a
	}
	return &pinpoint.SendMessagesOutput{
		MessageResponse: &types.MessageResponse{
			Result: map[string]types.MessageResult{
				to: {DeliveryStatus: f.status, StatusMessage: aws.String("refused")},
			},
		},
	}, nil
}

func newTest(status types.DeliveryStatus) (*Pinpoint, *fakeSender) {
	f := &fakeSender{status: status}
	return &Pinpoint{
		cfg: Config{ApplicationID: "app", FromEmail: "noreply@freshcart.test", Timeout: time.Second},
		p:   f,
	}, f
}

func TestPush(t *testing.T) {
	p, f := newTest(types.DeliveryStatusSuccessful)

	err := p.Push(context.Background(), models.Message{
		To:      "shopper@freshcart.test",
		Subject: "Your code",
		Body:    []byte("<p>042317</p>"),
	})
	require.NoError(t, err)

	require.NotNil(t, f.in)
	assert.Equal(t, "app", aws.ToString(f.in.ApplicationId))
	addr, ok := f.in.MessageRequest.Addresses["shopper@freshcart.test"]
	require.True(t, ok)
	assert.Equal(t, types.ChannelTypeEmail, addr.ChannelType)

	em := f.in.MessageRequest.MessageConfiguration.EmailMessage
	assert.Equal(t, "noreply@freshcart.test", aws.ToString(em.FromAddress))
	assert.Equal(t, "Your code", aws.ToString(em.SimpleEmail.Subject.Data))
	assert.Equal(t, "<p>042317</p>", aws.ToString(em.SimpleEmail.HtmlPart.Data))
}

func TestPushRefused(t *testing.T) {
	p, _ := newTest(types.DeliveryStatusPermanentFailure)

	err := p.Push(context.Background(), models.Message{To: "shopper@freshcart.test"})
	assert.ErrorContains(t, err, "refused")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{ApplicationID: "app", Region: "us-east-1", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err, "from_email is required")
}
