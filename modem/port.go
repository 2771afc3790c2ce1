package modem

import (
	"io"
	"sync"
)

const (
	portChunkSize = 256
	portBacklog   = 64
)

// Port adapts a blocking Transport to the non-blocking Read the engine
// polls. A goroutine reads the transport into a bounded backlog of chunks;
// Read hands them out without waiting.
type Port struct {
	t       Transport
	chunks  chan []byte
	pending []byte
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
}

// NewPort starts reading t.
func NewPort(t Transport) *Port {
	p := &Port{
		t:      t,
		chunks: make(chan []byte, portBacklog),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Port) pump() {
	defer close(p.done)

	for {
		buf := make([]byte, portChunkSize)
		n, err := p.t.Read(buf)
		if n > 0 {
			select {
			case p.chunks <- buf[:n]:
			case <-p.stop:
				return
			}
		}
		if err != nil {
			p.err = err
			return
		}
	}
}

// Read returns buffered transport bytes, or 0, nil when there are none.
// Read is meant for a single polling goroutine.
func (p *Port) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case chunk := <-p.chunks:
			p.pending = chunk
		default:
			return 0, nil
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	return p.t.Write(b)
}

// Buffered reports whether received bytes wait to be read.
func (p *Port) Buffered() bool {
	return len(p.pending) > 0 || len(p.chunks) > 0
}

// Done is closed once the transport stopped delivering data.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended the read loop, typically io.EOF.
// Only meaningful once Done is closed.
func (p *Port) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close stops the read loop and closes the transport.
func (p *Port) Close() error {
	err := io.ErrClosedPipe
	p.once.Do(func() {
		close(p.stop)
		err = p.t.Close()
	})
	return err
}
