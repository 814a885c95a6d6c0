// Copyright 2023 The seathub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package actor

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrMailboxClosed is returned when sending to a mailbox whose owner
	// has shut down.
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrMailboxFull is returned by TrySend when the buffer is at capacity.
	ErrMailboxFull = errors.New("mailbox full")
)

// Actor defines the interface for an actor process.
// An actor is an entity that, in response to a message it receives,
// can concurrently:
//   - send a finite number of messages to other actors;
//   - create a finite number of new actors;
//   - designate the behavior to be used for the next message it receives.
type Actor interface {
	// Start is called when the actor is started. It receives a context and a
	// mailbox to receive messages. The method should block until the actor
	// is terminated and return an error if it terminates unexpectedly.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor. It uses a buffered
// channel to store incoming messages, allowing for asynchronous message
// passing between actors. A mailbox can be closed by its owning actor;
// sends after close fail instead of panicking, which is what broadcast
// fan-out relies on when a connection has already gone away.
type Mailbox struct {
	messages chan any
	mu       sync.RWMutex
	closed   bool
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
// It returns ErrMailboxClosed if the mailbox has been closed.
func (mb *Mailbox) Send(msg any) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrMailboxClosed
	}
	mb.messages <- msg
	return nil
}

// TrySend attempts a non-blocking send. It returns ErrMailboxClosed when the
// mailbox is closed and ErrMailboxFull when the buffer has no room. Fan-out
// paths use this so one slow or dead receiver never stalls delivery to the
// rest of a channel.
func (mb *Mailbox) TrySend(msg any) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrMailboxClosed
	}
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Close marks the mailbox closed. Pending messages already in the buffer
// remain receivable. Closing twice is a no-op.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.messages)
}

// Receive blocks until a message is received, the mailbox is closed, or the
// context is canceled. A closed, drained mailbox yields ErrMailboxClosed.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-mb.messages:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	}
}

// Chan returns the underlying message channel. The returned channel is
// read-only so external actors cannot bypass the mailbox's close handling.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
