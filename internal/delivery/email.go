package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
)

// SES accepts at most 50 recipients per message.
const maxRecipientsPerEmail = 50

// SESAPI is the subset of the SES client the email sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// MemberDirectory resolves who on a trip receives email.
type MemberDirectory interface {
	TripMemberEmails(ctx context.Context, tripID uuid.UUID) ([]string, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
	Subject   string
	Endpoint  string
}

// EmailSender emails the message to the trip's members via AWS SES.
type EmailSender struct {
	client  SESAPI
	members MemberDirectory
	from    string
	subject string
	logger  *zap.Logger
}

// NewEmailSender creates an SES-backed sender from the default AWS config.
func NewEmailSender(ctx context.Context, cfg SESConfig, members MemberDirectory, logger *zap.Logger) (*EmailSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	client := ses.NewFromConfig(awsCfg, func(o *ses.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewEmailSenderWithClient(client, cfg, members, logger), nil
}

// NewEmailSenderWithClient creates an email sender over an existing client.
func NewEmailSenderWithClient(client SESAPI, cfg SESConfig, members MemberDirectory, logger *zap.Logger) *EmailSender {
	subject := cfg.Subject
	if subject == "" {
		subject = "Trip update"
	}
	return &EmailSender{
		client:  client,
		members: members,
		from:    cfg.FromEmail,
		subject: subject,
		logger:  logger,
	}
}

func (s *EmailSender) Deliver(ctx context.Context, msg *db.ScheduledMessage) error {
	if ChannelOf(msg) != db.ChannelEmail {
		return fmt.Errorf("email sender only supports email, got: %s", msg.Channel)
	}

	recipients, err := s.members.TripMemberEmails(ctx, msg.TripID)
	if err != nil {
		return fmt.Errorf("resolve trip members: %w", err)
	}
	if len(recipients) == 0 {
		// nothing to send is not a failure
		s.logger.Info("no email recipients for trip",
			zap.String("scheduled_message_id", msg.ID.String()),
			zap.String("trip_id", msg.TripID.String()),
		)
		return nil
	}

	for start := 0; start < len(recipients); start += maxRecipientsPerEmail {
		end := min(start+maxRecipientsPerEmail, len(recipients))

		input := &ses.SendEmailInput{
			Source: aws.String(s.from),
			Destination: &types.Destination{
				ToAddresses:  []string{s.from},
				BccAddresses: recipients[start:end],
			},
			Message: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(s.subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(msg.Content),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		}

		result, err := s.client.SendEmail(ctx, input)
		if err != nil {
			return fmt.Errorf("ses send failed: %w", err)
		}

		s.logger.Info("email sent via SES",
			zap.String("scheduled_message_id", msg.ID.String()),
			zap.Int("recipients", end-start),
			zap.String("message_id", aws.ToString(result.MessageId)),
		)
	}

	return nil
}

func (s *EmailSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
