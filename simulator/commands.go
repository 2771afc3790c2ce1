package simulator

import (
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/atchat/at"
)

func registerBuiltins(d *Device) {
	d.Handle("", func(*Device, Request) string { return ReplyOK() })
	d.Handle("E0", func(d *Device, _ Request) string {
		d.echo = false
		return ReplyOK()
	})
	d.Handle("E1", func(d *Device, _ Request) string {
		d.echo = true
		return ReplyOK()
	})
	d.Handle("CMEE", setOnly)
	d.Handle("CPIN", handleCPIN)
	d.Handle("CSQ", func(d *Device, req Request) string {
		if req.Op != OpExec {
			return ReplyError()
		}
		return ReplyInfo(fmt.Sprintf("+CSQ: %d,%d", d.rssi, d.ber))
	})
	d.Handle("CREG", func(d *Device, req Request) string {
		switch req.Op {
		case OpQuery:
			return ReplyInfo("+CREG: 0,1")
		case OpSet:
			return ReplyOK()
		}
		return ReplyError()
	})
	d.Handle("CGSN", func(d *Device, req Request) string {
		return ReplyInfo(d.imei)
	})
	d.Handle("VER", func(d *Device, req Request) string {
		return ReplyInfo("+VER:" + d.version)
	})
	d.Handle("PARAM", func(d *Device, req Request) string {
		switch req.Op {
		case OpQuery, OpExec:
			return ReplyInfo("+PARAM:" + d.param)
		case OpSet:
			d.param = req.Args
			return ReplyOK()
		}
		return ReplyError()
	})
	d.Handle("CMGF", func(d *Device, req Request) string {
		switch req.Op {
		case OpQuery:
			mode := 0
			if d.textMode {
				mode = 1
			}
			return ReplyInfo(fmt.Sprintf("+CMGF: %d", mode))
		case OpSet:
			d.textMode = strings.TrimSpace(req.Args) == "1"
			return ReplyOK()
		}
		return ReplyError()
	})
	d.Handle("CMGS", handleCMGS)
	d.Handle("BINDAT", func(d *Device, req Request) string {
		n, err := strconv.Atoi(strings.TrimSpace(req.Args))
		if req.Op != OpSet || err != nil || n <= 0 {
			return ReplyError()
		}
		d.mode = inputBinary
		d.need = n
		return at.CRLF + at.Prompt
	})
}

func setOnly(_ *Device, req Request) string {
	if req.Op != OpSet {
		return ReplyError()
	}
	return ReplyOK()
}

func handleCPIN(d *Device, req Request) string {
	switch req.Op {
	case OpQuery:
		if d.pinLocked {
			return ReplyInfo("+CPIN: " + at.SimPin)
		}
		return ReplyInfo("+CPIN: " + at.SimReady)
	case OpSet:
		if !d.pinLocked {
			return ReplyOK()
		}
		if strings.Trim(req.Args, `"`) != d.pin {
			return ReplyCME("incorrect password")
		}
		d.pinLocked = false
		return ReplyOK()
	}
	return ReplyError()
}

func handleCMGS(d *Device, req Request) string {
	switch {
	case req.Op != OpSet:
		return ReplyError()
	case d.pinLocked:
		return ReplyCME("SIM PIN required")
	case !d.textMode:
		return ReplyCMS("operation not allowed")
	}
	d.target = strings.Trim(req.Args, `"`)
	d.mode = inputText
	return at.CRLF + at.Prompt
}

// ReplyCMS is a verbose +CMS ERROR final result.
func ReplyCMS(msg string) string {
	return at.CRLF + at.CmsError + " " + msg + at.CRLF
}
