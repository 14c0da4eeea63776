// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/cardinalhq/logflume/internal/awsclient"
)

// SQSQueue implements Queue against Amazon SQS.
type SQSQueue struct {
	client            *awsclient.SQSClient
	queueURL          string
	deadLetterURL     string
	visibilityTimeout time.Duration
}

var _ Queue = (*SQSQueue)(nil)

// SQSOption configures an SQSQueue.
type SQSOption func(*SQSQueue)

// WithDeadLetterURL enables dead-letter routing to the given queue URL.
func WithDeadLetterURL(url string) SQSOption {
	return func(q *SQSQueue) {
		q.deadLetterURL = url
	}
}

// WithVisibilityTimeout overrides the queue's default visibility timeout
// on each receive.
func WithVisibilityTimeout(d time.Duration) SQSOption {
	return func(q *SQSQueue) {
		q.visibilityTimeout = d
	}
}

// NewSQSQueue returns a queue bound to the given SQS queue URL.
func NewSQSQueue(client *awsclient.SQSClient, queueURL string, opts ...SQSOption) *SQSQueue {
	q := &SQSQueue{
		client:   client,
		queueURL: queueURL,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// receiveInput builds the long-poll request, asking for the approximate
// receive count so callers can observe redelivery.
func (q *SQSQueue) receiveInput(max int, wait time.Duration) *sqs.ReceiveMessageInput {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if q.visibilityTimeout > 0 {
		input.VisibilityTimeout = int32(q.visibilityTimeout / time.Second)
	}
	return input
}

// messageFromSQS converts one SQS message, reporting false when the body
// or receipt handle is missing.
func messageFromSQS(m types.Message) (Message, bool) {
	if m.Body == nil || m.ReceiptHandle == nil {
		return Message{}, false
	}
	msg := Message{
		Body:          []byte(*m.Body),
		ReceiptHandle: *m.ReceiptHandle,
		ReceiveCount:  1,
	}
	if m.MessageId != nil {
		msg.ID = *m.MessageId
	}
	if rc, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(rc); err == nil {
			msg.ReceiveCount = n
		}
	}
	return msg, true
}

// Receive long-polls SQS for up to max messages.
func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	result, err := q.client.Client.ReceiveMessage(ctx, q.receiveInput(max, wait))
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.queueURL, err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		if msg, ok := messageFromSQS(m); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// Delete acknowledges the message identified by the receipt handle.
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ChangeVisibility resets the visibility deadline for the message.
func (q *SQSQueue) ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := q.client.Client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("change visibility: %w", err)
	}
	return nil
}

// SendDead copies the message body to the configured dead-letter queue.
func (q *SQSQueue) SendDead(ctx context.Context, body []byte) error {
	if q.deadLetterURL == "" {
		return fmt.Errorf("no dead-letter queue configured")
	}
	_, err := q.client.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.deadLetterURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send to dead-letter queue: %w", err)
	}
	return nil
}

// HasDeadLetter reports whether dead-letter routing is configured.
func (q *SQSQueue) HasDeadLetter() bool {
	return q.deadLetterURL != ""
}
