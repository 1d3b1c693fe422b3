// Package escpos encodes documents into ESC/POS byte streams for receipt
// and ticket thermal printers. Encoders are pure: document in, bytes out.
package escpos

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Core command sequences. The dispatch core never touches these; transports
// use Init/Feed/CutFull for per-copy framing, encoders use the rest.
var (
	Init          = []byte{0x1b, '@'}            // ESC @  reset printer
	CutFull       = []byte{0x1d, 'V', 0x00}      // GS V 0 full paper cut
	StatusRequest = []byte{0x10, 0x04, 0x01}     // DLE EOT 1 real-time status
	alignLeft     = []byte{0x1b, 'a', 0x00}      // ESC a 0
	alignCenter   = []byte{0x1b, 'a', 0x01}      // ESC a 1
	boldOn        = []byte{0x1b, 'E', 0x01}      // ESC E 1
	boldOff       = []byte{0x1b, 'E', 0x00}      // ESC E 0
	sizeDouble    = []byte{0x1d, '!', 0x11}      // GS ! width+height doubled
	sizeNormal    = []byte{0x1d, '!', 0x00}      // GS ! normal
)

// Feed returns a command feeding n lines.
func Feed(n int) []byte {
	if n < 1 {
		n = 1
	}
	return bytes.Repeat([]byte{'\n'}, n)
}

// Ticket builds a plain-text ticket: optional double-size title, optional
// timestamp line, body lines. The result is a complete payload for a
// PrintJob; framing (init, feed, cut) is applied by the transport.
type Ticket struct {
	buf bytes.Buffer
}

func NewTicket() *Ticket {
	return &Ticket{}
}

func (t *Ticket) Title(title string) *Ticket {
	title = strings.TrimSpace(title)
	if title == "" {
		return t
	}
	t.buf.Write(alignCenter)
	t.buf.Write(sizeDouble)
	t.buf.Write(boldOn)
	t.buf.WriteString(title)
	t.buf.WriteByte('\n')
	t.buf.Write(boldOff)
	t.buf.Write(sizeNormal)
	t.buf.Write(alignLeft)
	return t
}

func (t *Ticket) Timestamp(ts time.Time) *Ticket {
	t.buf.WriteString(ts.Format("2006-01-02 15:04"))
	t.buf.WriteByte('\n')
	return t
}

func (t *Ticket) Line(line string) *Ticket {
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	return t
}

func (t *Ticket) Lines(lines []string) *Ticket {
	for _, line := range lines {
		t.Line(line)
	}
	return t
}

func (t *Ticket) Bytes() []byte {
	return t.buf.Bytes()
}

func (t *Ticket) Len() int {
	return t.buf.Len()
}

// EncodeTicket is the one-shot form used by the bulk endpoint: a title/body
// pair becomes a ticket payload.
func EncodeTicket(title string, body []string, withTimestamp bool) ([]byte, error) {
	ticket := NewTicket().Title(title)
	if withTimestamp {
		ticket.Timestamp(time.Now())
	}
	ticket.Lines(body)
	if ticket.Len() == 0 {
		return nil, fmt.Errorf("ticket has no content")
	}
	return ticket.Bytes(), nil
}
