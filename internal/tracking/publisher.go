package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/campaign-tracker/internal/attribution"
	"github.com/ignite/campaign-tracker/internal/pkg/logger"
)

// SQSAPI is the subset of *sqs.Client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher ships acquisition outcomes to an SQS queue. It satisfies
// attribution.OutcomeSink; sends happen in the background.
type Publisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Publish enqueues one outcome. Errors are logged, never returned.
func (p *Publisher) Publish(ctx context.Context, o attribution.Outcome) {
	body, err := json.Marshal(o)
	if err != nil {
		logger.Error("marshal outcome event", "sequence_id", o.SequenceID, "error", err)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"result": {
					DataType:    aws.String("String"),
					StringValue: aws.String(string(o.Result)),
				},
			},
		})
		if err != nil {
			logger.Error("publishing outcome to SQS", "sequence_id", o.SequenceID, "error", err)
		}
	}()
}

// Wait blocks until every in-flight send has finished.
func (p *Publisher) Wait() { p.wg.Wait() }
