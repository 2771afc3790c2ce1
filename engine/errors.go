package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is the final outcome of an item whose response carried
	// the error marker on every attempt.
	ErrProtocol = errors.New("engine: protocol error")

	// ErrTimeout is the final outcome of an item that saw no terminal match
	// within its deadline on every attempt.
	ErrTimeout = errors.New("engine: timeout")

	// ErrAborted is the outcome of items cancelled by AbortAll or Close.
	ErrAborted = errors.New("engine: aborted")

	// ErrBufferOverrun is reported to the error handler when the receive
	// buffer fills up without a terminal match. It signals transport
	// desynchronization and is never delivered to an item callback.
	ErrBufferOverrun = errors.New("engine: receive buffer overrun")

	// ErrQueueFull is returned by submissions once MaxPending items wait.
	ErrQueueFull = errors.New("engine: work queue full")

	// ErrClosed is returned by submissions after Close.
	ErrClosed = errors.New("engine: closed")

	// ErrEmptyCommand is returned when a submission carries no payload.
	ErrEmptyCommand = errors.New("engine: empty command")

	// ErrNoAdapter is returned by Build when no adapter is configured.
	ErrNoAdapter = errors.New("engine: no adapter configured")

	// ErrInvalidURC is returned by SetURC for entries without prefix or handler.
	ErrInvalidURC = errors.New("engine: invalid URC entry")

	// ErrAmbiguousURC is returned by SetURC when one prefix starts another.
	ErrAmbiguousURC = errors.New("engine: ambiguous URC prefixes")
)

// Code is the terminal result of a work item.
type Code int

const (
	CodeOK Code = iota
	CodeError
	CodeTimeout
	CodeAbort
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeError:
		return "error"
	case CodeTimeout:
		return "timeout"
	case CodeAbort:
		return "abort"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Err maps the code to its sentinel error, nil for CodeOK.
func (c Code) Err() error {
	switch c {
	case CodeOK:
		return nil
	case CodeError:
		return ErrProtocol
	case CodeTimeout:
		return ErrTimeout
	case CodeAbort:
		return ErrAborted
	default:
		return fmt.Errorf("engine: unknown result %d", int(c))
	}
}
