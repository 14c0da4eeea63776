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
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiveInputRequestsReceiveCount(t *testing.T) {
	q := NewSQSQueue(nil, "https://sqs.test/queue", WithVisibilityTimeout(2*time.Minute))

	input := q.receiveInput(10, 20*time.Second)

	assert.Equal(t, "https://sqs.test/queue", *input.QueueUrl)
	assert.Equal(t, int32(10), input.MaxNumberOfMessages)
	assert.Equal(t, int32(20), input.WaitTimeSeconds)
	assert.Equal(t, int32(120), input.VisibilityTimeout)
	assert.Contains(t, input.MessageSystemAttributeNames,
		types.MessageSystemAttributeNameApproximateReceiveCount)
}

func TestReceiveInputUsesQueueDefaultVisibility(t *testing.T) {
	q := NewSQSQueue(nil, "https://sqs.test/queue")

	input := q.receiveInput(1, 0)
	assert.Zero(t, input.VisibilityTimeout)
}

func TestMessageFromSQS(t *testing.T) {
	msg, ok := messageFromSQS(types.Message{
		MessageId:     aws.String("m1"),
		Body:          aws.String("payload"),
		ReceiptHandle: aws.String("rh-1"),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "3",
		},
	})
	require.True(t, ok)

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, []byte("payload"), msg.Body)
	assert.Equal(t, "rh-1", msg.ReceiptHandle)
	assert.Equal(t, 3, msg.ReceiveCount)
}

func TestMessageFromSQSDefaultsReceiveCount(t *testing.T) {
	msg, ok := messageFromSQS(types.Message{
		Body:          aws.String("payload"),
		ReceiptHandle: aws.String("rh-1"),
	})
	require.True(t, ok)
	assert.Equal(t, 1, msg.ReceiveCount)
}

func TestMessageFromSQSMissingHandle(t *testing.T) {
	_, ok := messageFromSQS(types.Message{Body: aws.String("payload")})
	assert.False(t, ok)
}
