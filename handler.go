package queuehub

import (
	"context"
	"fmt"
)

// Handler defines the interface that message handlers must implement.
// Return an error to mark the delivery as failed, or nil on success.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc is a function adapter that allows using functions as Handlers.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements the Handler interface for HandlerFunc
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// safeHandle invokes h and converts a panic into an error.
func safeHandle(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}
