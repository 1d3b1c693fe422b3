package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/noxist/ticketd/internal/core"
	"github.com/noxist/ticketd/internal/escpos"
)

const (
	defaultPrinterPort = 9100
	ackResponseLength  = 1
	feedLines          = 4
)

type LocalSocketConfig struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// LocalSocket writes ESC/POS bytes straight to a printer's TCP port and
// waits for a real-time status byte as acknowledgement. The connection is
// scoped to a single delivery and closed on every exit path.
type LocalSocket struct {
	cfg LocalSocketConfig
}

func NewLocalSocket(cfg LocalSocketConfig) *LocalSocket {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 10 * time.Second
	}
	return &LocalSocket{cfg: cfg}
}

func (t *LocalSocket) Deliver(ctx context.Context, job *core.PrintJob, target *core.PrinterTarget) error {
	port := target.Port
	if port == 0 {
		port = defaultPrinterPort
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout(ctx))
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", classifyNetErr(err), addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(t.deadline(ctx))

	payload := frame(job)
	n, err := conn.Write(payload)
	if err != nil {
		if n > 0 && n < len(payload) {
			return fmt.Errorf("%w: wrote %d of %d bytes: %v", core.ErrPartialWrite, n, len(payload), err)
		}
		return fmt.Errorf("%w: write %s: %v", classifyNetErr(err), addr, err)
	}
	if n < len(payload) {
		return fmt.Errorf("%w: wrote %d of %d bytes", core.ErrPartialWrite, n, len(payload))
	}

	return t.awaitAck(conn, addr)
}

// awaitAck requests a DLE EOT status byte. No byte before the deadline means
// the printer accepted the stream but never confirmed, which is surfaced as
// a timeout so the dispatcher will not re-send the job.
func (t *LocalSocket) awaitAck(conn net.Conn, addr string) error {
	if _, err := conn.Write(escpos.StatusRequest); err != nil {
		return fmt.Errorf("%w: status request %s: %v", classifyNetErr(err), addr, err)
	}

	response := make([]byte, ackResponseLength)
	if _, err := conn.Read(response); err != nil {
		return fmt.Errorf("%w: await ack %s: %v", core.ErrTimeout, addr, err)
	}
	return nil
}

// frame wraps the encoded payload with per-copy init, feed and cut commands.
// Each copy is cut separately so bulk tickets tear off individually.
func frame(job *core.PrintJob) []byte {
	copyLen := len(escpos.Init) + len(job.Payload) + feedLines + len(escpos.CutFull)
	out := make([]byte, 0, copyLen*job.Copies)
	for i := 0; i < job.Copies; i++ {
		out = append(out, escpos.Init...)
		out = append(out, job.Payload...)
		out = append(out, escpos.Feed(feedLines)...)
		if job.CutAfter {
			out = append(out, escpos.CutFull...)
		}
	}
	return out
}

func (t *LocalSocket) dialTimeout(ctx context.Context) time.Duration {
	timeout := t.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (t *LocalSocket) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(t.cfg.IOTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
