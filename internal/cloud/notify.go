package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/buildfleet/fleetd/internal/idlestop"
	"github.com/chainguard-dev/clog"
)

// SNSAPI is the subset of the SNS client the notifier uses.
type SNSAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var _ idlestop.Notifier = (*Notifier)(nil)

// Notifier publishes operator messages to an SNS topic. With no topic
// configured it logs and drops them, so a minimal deployment still works.
type Notifier struct {
	client   SNSAPI
	topicARN string
}

func NewNotifier(client SNSAPI, topicARN string) *Notifier {
	return &Notifier{client: client, topicARN: topicARN}
}

func (n *Notifier) Notify(ctx context.Context, subject, message string) error {
	if n.topicARN == "" {
		clog.FromContext(ctx).Info("no SNS topic configured, dropping notification", "subject", subject)
		return nil
	}
	_, err := n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", n.topicARN, err)
	}
	return nil
}
