package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/aura-learn/liveclass/pkg/queue"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridMailer delivers queued e-mails through the SendGrid v3 API.
type SendGridMailer struct {
	key  string
	from *sgmail.Email
}

// NewSendGridMailer creates a mailer.
func NewSendGridMailer(apiKey, fromName, fromAddress string) *SendGridMailer {
	return &SendGridMailer{key: apiKey, from: sgmail.NewEmail(fromName, fromAddress)}
}

func (m *SendGridMailer) prepare(p queue.EmailPayload) *sgmail.SGMailV3 {
	pers := sgmail.NewPersonalization()
	pers.Subject = p.Subject
	pers.AddTos(sgmail.NewEmail(p.RecipientName, p.RecipientEmail))

	msg := sgmail.NewV3Mail()
	msg.SetFrom(m.from)
	msg.AddPersonalizations(pers)
	msg.AddContent(
		sgmail.NewContent("text/plain", p.BodyText),
		sgmail.NewContent("text/html", p.BodyHTML),
	)
	return msg
}

// Send implements worker.Mailer.
func (m *SendGridMailer) Send(ctx context.Context, p queue.EmailPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := sendgrid.GetRequest(m.key, sendgridEndpoint, sendgridHost)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m.prepare(p))

	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}
