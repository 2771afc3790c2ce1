// Package simulator provides an in-memory AT command device. It behaves
// like a cellular module on the other end of a serial line: it echoes,
// answers the common commands, raises unsolicited result codes and takes
// binary payloads after a prompt.
package simulator

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"i4.energy/across/atchat/at"
	"i4.energy/across/atchat/logger"
)

// Op is the form of a command line.
type Op uint8

const (
	OpExec  Op = iota // AT+CMD
	OpQuery           // AT+CMD?
	OpTest            // AT+CMD=?
	OpSet             // AT+CMD=args
)

// Request is a parsed command line. Name is upper case without the leading
// '+', empty for a bare AT.
type Request struct {
	Line string
	Name string
	Op   Op
	Args string
}

// Handler answers one command. It runs with the device locked and must not
// call Device methods; it returns the raw reply, usually built with
// ReplyOK, ReplyInfo or ReplyError.
type Handler func(d *Device, req Request) string

type inputMode uint8

const (
	inputLine inputMode = iota
	inputText           // SMS body up to Ctrl-Z
	inputBinary         // BCC byte followed by a fixed size payload
)

type faultKind uint8

const (
	faultError faultKind = iota + 1
	faultSilent
)

type fault struct {
	kind  faultKind
	count int
}

// Message is an SMS accepted through AT+CMGS.
type Message struct {
	Ref  int
	To   string
	Text string
}

// Device is an in-memory AT device. Write takes host bytes; Read blocks
// until the device has output or is closed.
type Device struct {
	handlers *xsync.MapOf[string, Handler]
	faults   *xsync.MapOf[string, fault]
	log      logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	closed bool

	// host input state
	in     []byte
	mode   inputMode
	skipLF bool
	need   int
	target string

	// device state
	powered   bool
	echo      bool
	pin       string
	pinLocked bool
	textMode  bool
	rssi      int
	ber       int
	imei      string
	version   string
	param     string
	msgRef    int
	messages  []Message
	binary    [][]byte
}

// Option configures a Device.
type Option func(d *Device)

// WithPIN locks the SIM behind pin until AT+CPIN="pin" is sent.
func WithPIN(pin string) Option {
	return func(d *Device) {
		d.pin = pin
		d.pinLocked = pin != ""
	}
}

// WithEcho sets the initial echo state. Echo is on by default, as on
// real modules.
func WithEcho(on bool) Option {
	return func(d *Device) { d.echo = on }
}

func WithSignal(rssi, ber int) Option {
	return func(d *Device) { d.rssi, d.ber = rssi, ber }
}

func WithIMEI(imei string) Option {
	return func(d *Device) { d.imei = imei }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Device) { d.log = l }
}

// New returns a powered device answering the built-in command set.
func New(opts ...Option) *Device {
	d := &Device{
		handlers: xsync.NewMapOf[string, Handler](),
		faults:   xsync.NewMapOf[string, fault](),
		log:      logger.GetLogger(),
		powered:  true,
		echo:     true,
		rssi:     31,
		ber:      99,
		imei:     "860000000000001",
		version:  "V1.02",
		param:    "0",
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "simulator")
	registerBuiltins(d)

	return d
}

// commandKey accepts "AT+CSQ", "+CSQ" and "CSQ" alike; "AT" is the bare
// command.
func commandKey(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	name = strings.TrimPrefix(name, "AT")
	return strings.TrimPrefix(name, "+")
}

// Handle registers h for the command name, replacing any previous one.
func (d *Device) Handle(name string, h Handler) {
	d.handlers.Store(commandKey(name), h)
}

// FailNext makes the next n executions of name answer ERROR.
func (d *Device) FailNext(name string, n int) {
	d.faults.Store(commandKey(name), fault{kind: faultError, count: n})
}

// MuteNext makes the next n executions of name go unanswered.
func (d *Device) MuteNext(name string, n int) {
	d.faults.Store(commandKey(name), fault{kind: faultSilent, count: n})
}

// Read implements io.Reader. It blocks until output is available and
// returns io.EOF once the device is closed and drained.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.out.Len() == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.out.Len() == 0 {
		return 0, io.EOF
	}
	return d.out.Read(p)
}

// Write implements io.Writer. Replies are available to Read as soon as
// Write returns.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, io.ErrClosedPipe
	}
	for _, c := range p {
		d.input(c)
	}
	d.cond.Broadcast()

	return len(p), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.cond.Broadcast()
	return nil
}

// Nonblocking returns a view of d whose Read returns 0, nil instead of
// waiting for output.
func (d *Device) Nonblocking() io.ReadWriter {
	return nonblocking{d}
}

type nonblocking struct{ d *Device }

func (n nonblocking) Read(p []byte) (int, error) {
	n.d.mu.Lock()
	defer n.d.mu.Unlock()

	if n.d.out.Len() == 0 {
		if n.d.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	return n.d.out.Read(p)
}

func (n nonblocking) Write(p []byte) (int, error) {
	return n.d.Write(p)
}

// EmitURC queues an unsolicited line, framed by CRLF on both sides.
func (d *Device) EmitURC(line string) {
	d.emit(at.CRLF + line + at.CRLF)
}

// EmitRaw queues bytes as they are.
func (d *Device) EmitRaw(p []byte) {
	d.emit(string(p))
}

// PowerOn reports "+POWER:1" and resumes answering commands.
func (d *Device) PowerOn() {
	d.mu.Lock()
	d.powered = true
	d.mu.Unlock()
	d.EmitURC(at.UrcPower + "1")
}

// PowerOff reports "+POWER:0"; commands go unanswered until PowerOn.
func (d *Device) PowerOff() {
	d.EmitURC(at.UrcPower + "0")
	d.mu.Lock()
	d.powered = false
	d.mu.Unlock()
}

// EmitIPD queues socket data as "+IPD,<id>,<len>:" followed by the BCC of
// payload and payload itself. len counts the BCC byte.
func (d *Device) EmitIPD(id int, payload []byte) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s%d,%d:", at.UrcSocketData, id, len(payload)+1)
	b.WriteByte(BCC(payload))
	b.Write(payload)
	d.emit(b.String())
}

// ReceiveSMS reports a new message stored at index.
func (d *Device) ReceiveSMS(index int) {
	d.EmitURC(fmt.Sprintf(`%s "SM",%d`, at.UrcNewMsg, index))
}

// Messages returns the SMS accepted so far.
func (d *Device) Messages() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.messages...)
}

// Binary returns the payloads accepted through AT+BINDAT.
func (d *Device) Binary() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.binary...)
}

// BCC is the XOR of all bytes of p.
func BCC(p []byte) byte {
	var c byte
	for _, b := range p {
		c ^= b
	}
	return c
}

func (d *Device) emit(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.out.WriteString(s)
	d.cond.Broadcast()
}

// input consumes one host byte. Called with mu held.
func (d *Device) input(c byte) {
	if d.skipLF {
		d.skipLF = false
		if c == '\n' {
			return
		}
	}

	switch d.mode {
	case inputText:
		switch c {
		case at.CtrlZ[0]:
			d.acceptSMS(string(d.in))
			d.in = d.in[:0]
			d.mode = inputLine
		case 0x1b:
			d.in = d.in[:0]
			d.mode = inputLine
			d.out.WriteString(ReplyOK())
		default:
			d.in = append(d.in, c)
		}

	case inputBinary:
		d.in = append(d.in, c)
		if len(d.in) == d.need+1 {
			d.acceptBinary(d.in[0], d.in[1:])
			d.in = d.in[:0]
			d.mode = inputLine
		}

	default:
		switch c {
		case '\r':
			line := string(d.in)
			d.in = d.in[:0]
			d.skipLF = true
			if strings.TrimSpace(line) != "" {
				d.execute(line)
			}
		case '\n':
		default:
			d.in = append(d.in, c)
		}
	}
}

func (d *Device) execute(line string) {
	if !d.powered {
		return
	}
	if d.echo {
		d.out.WriteString(line + "\r")
	}

	req, ok := parse(line)
	if !ok {
		d.out.WriteString(ReplyError())
		return
	}
	d.log.Debug("simulator: command", "line", line)

	if f, ok := d.takeFault(req.Name); ok {
		if f == faultError {
			d.out.WriteString(ReplyError())
		}
		return
	}

	h, ok := d.handlers.Load(req.Name)
	if !ok {
		d.out.WriteString(ReplyError())
		return
	}
	d.out.WriteString(h(d, req))
}

func (d *Device) takeFault(name string) (faultKind, bool) {
	var kind faultKind
	d.faults.Compute(name, func(f fault, loaded bool) (fault, bool) {
		if !loaded || f.count <= 0 {
			return f, true
		}
		kind = f.kind
		f.count--
		return f, f.count == 0
	})
	return kind, kind != 0
}

func (d *Device) acceptSMS(text string) {
	d.msgRef++
	d.messages = append(d.messages, Message{Ref: d.msgRef, To: d.target, Text: text})
	d.out.WriteString(ReplyInfo(fmt.Sprintf("+CMGS: %d", d.msgRef)))
}

func (d *Device) acceptBinary(bcc byte, payload []byte) {
	if BCC(payload) != bcc {
		d.out.WriteString(ReplyError())
		return
	}
	d.binary = append(d.binary, bytes.Clone(payload))
	d.out.WriteString(ReplyOK())
}

// parse splits an AT command line. Lines not starting with AT are rejected.
func parse(line string) (Request, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || !strings.EqualFold(line[:2], "AT") {
		return Request{}, false
	}
	req := Request{Line: line}
	rest := strings.TrimPrefix(line[2:], "+")

	switch i := strings.IndexAny(rest, "=?"); {
	case i < 0:
		req.Name = rest
	case strings.HasPrefix(rest[i:], "=?"):
		req.Name, req.Op = rest[:i], OpTest
	case rest[i] == '?':
		req.Name, req.Op = rest[:i], OpQuery
	default:
		req.Name, req.Op, req.Args = rest[:i], OpSet, rest[i+1:]
	}
	req.Name = strings.ToUpper(req.Name)

	return req, true
}

// ReplyOK is the bare final result.
func ReplyOK() string {
	return at.CRLF + at.OK + at.CRLF
}

func ReplyError() string {
	return at.CRLF + at.ERROR + at.CRLF
}

// ReplyCME is a verbose +CME ERROR final result.
func ReplyCME(msg string) string {
	return at.CRLF + at.CmeError + " " + msg + at.CRLF
}

// ReplyInfo wraps information lines and appends OK.
func ReplyInfo(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(at.CRLF + l + at.CRLF)
	}
	b.WriteString(ReplyOK())
	return b.String()
}
