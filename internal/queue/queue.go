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

// Package queue is the Notification Queue collaborator boundary: an
// at-least-once message queue with per-message visibility timeouts.
package queue

import (
	"context"
	"time"
)

// Message is one received notification. The receipt handle proves current
// ownership of the message and is required to delete it or extend its
// visibility; it is only valid until the visibility deadline expires.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
}

// Queue is the minimal at-least-once queue contract the forwarder needs.
// Delivery order is best effort only; duplicates are possible and callers
// must tolerate them.
type Queue interface {
	// Receive fetches up to max messages, long-polling for up to wait.
	// An empty slice with a nil error means the queue was idle.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a message. This is the only operation that
	// removes a message from the queue.
	Delete(ctx context.Context, receiptHandle string) error

	// ChangeVisibility resets the message's visibility deadline.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}

// DeadLetterer routes an unprocessable message to a dead-letter location
// for manual inspection. Implementations that have no dead-letter path
// configured are simply not DeadLetterers.
type DeadLetterer interface {
	SendDead(ctx context.Context, body []byte) error
}
