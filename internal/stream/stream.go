// Package stream is the Stream Engine (spec §4.5): the per-connection core
// that attaches a TTY exec against a session's container and pumps bytes
// in both directions, handling resize, idle/keepalive timeouts, and clean
// teardown. The exec-attach mechanics are grounded on a direct
// ContainerExecCreate+ContainerExecAttach(TTY) pattern; the client-facing
// ping/pong/deadline bookkeeping follows a gorilla/websocket Hub/Client
// write-pump shape.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gorilla/websocket"

	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
)

// Timeouts mandated by spec §5.
const (
	PingInterval  = 60 * time.Second  // outbound silence before a keepalive ping
	IdleTimeout   = 10 * time.Minute  // inbound silence before teardown
	WriteWait     = 10 * time.Second
	TouchInterval = 5 * time.Second
)

const Banner = "\r\n\U0001F5A5 NOXTERM PTY ready\r\n$ "

// resizePayload is the JSON control frame the client sends to resize the
// PTY: {"resize":[cols,rows]}.
type resizePayload struct {
	Resize []int `json:"resize"`
}

// Engine owns one attach's duplex pump.
type Engine struct {
	docker  *client.Client
	manager *session.Manager
	logger  *slog.Logger
}

func NewEngine(docker *client.Client, mgr *session.Manager, logger *slog.Logger) *Engine {
	return &Engine{docker: docker, manager: mgr, logger: logger}
}

// Pump runs the raw-PTY duplex loop for sessionID over conn until the
// client disconnects, the context is cancelled, or an unrecoverable error
// occurs. It is the caller's responsibility to have already acquired the
// attach (session.Manager.AcquireAttach) and to call ReleaseAttach after
// Pump returns.
func (e *Engine) Pump(ctx context.Context, sess *store.Session, shutdown <-chan struct{}, conn *websocket.Conn) error {
	log := e.logger.With("session_id", sess.ID, "tenant", sess.Tenant)

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/bash", "-l"},
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  true,
		Tty:          true,
		Env: []string{
			"TERM=xterm-256color",
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=/root",
			"SHELL=/bin/bash",
			"LANG=en_US.UTF-8",
			"LC_ALL=en_US.UTF-8",
		},
		WorkingDir: "/root",
	}

	execResp, err := e.docker.ContainerExecCreate(ctx, sess.ContainerRef, execCfg)
	if err != nil {
		e.writeErrorFrame(conn, "PTY creation failed")
		return fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := e.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		e.writeErrorFrame(conn, "PTY attach failed")
		return fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	if err := e.docker.ContainerExecResize(ctx, execResp.ID, container.ResizeOptions{Height: 24, Width: 80}); err != nil {
		log.Warn("initial resize failed", "error", err)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(Banner))

	resizeCh := make(chan [2]int, 4)
	done := make(chan struct{})
	var closeOnce closer

	go e.outboundLoop(log, conn, attachResp.Reader, done, &closeOnce)
	go e.resizeLoop(ctx, log, execResp.ID, resizeCh, done)
	e.inboundLoop(ctx, sess.ID, log, conn, attachResp.Conn, resizeCh, shutdown, done, &closeOnce)

	closeOnce.do(func() { close(done) })
	close(resizeCh)

	return nil
}

type closer struct{ done bool }

func (c *closer) do(f func()) {
	if !c.done {
		c.done = true
		f()
	}
}

// inboundLoop reads client frames and forwards them to the exec's stdin
// (spec §4.5 "Inbound"). Binary frames are forwarded verbatim; text frames
// are forwarded verbatim except a JSON {"resize":[cols,rows]} control
// frame, which is dispatched to the resize channel instead.
func (e *Engine) inboundLoop(ctx context.Context, sessionID string, log *slog.Logger, conn *websocket.Conn, stdin io.Writer, resizeCh chan<- [2]int, shutdown <-chan struct{}, done chan struct{}, closeOnce *closer) {
	lastTouch := time.Now()
	conn.SetReadDeadline(time.Now().Add(IdleTimeout))

	msgCh := make(chan wsMessage, 1)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			msgCh <- wsMessage{mt: mt, data: data, err: err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-shutdown:
			closeOnce.do(func() { close(done) })
			return
		case <-ctx.Done():
			closeOnce.do(func() { close(done) })
			return
		case <-done:
			return
		case m := <-msgCh:
			if m.err != nil {
				if netErr, ok := m.err.(net.Error); ok && netErr.Timeout() {
					e.writeIdleTimeoutFrame(conn)
				} else if !websocket.IsCloseError(m.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("read error", "error", m.err)
				}
				closeOnce.do(func() { close(done) })
				return
			}
			conn.SetReadDeadline(time.Now().Add(IdleTimeout))

			if m.mt == websocket.TextMessage {
				var rp resizePayload
				if json.Unmarshal(m.data, &rp) == nil && len(rp.Resize) == 2 {
					select {
					case resizeCh <- [2]int{rp.Resize[0], rp.Resize[1]}:
					default:
						// Coalesce: drop if the resize drain routine is busy.
						select {
						case <-resizeCh:
						default:
						}
						resizeCh <- [2]int{rp.Resize[0], rp.Resize[1]}
					}
					continue
				}
			}

			if _, err := stdin.Write(m.data); err != nil {
				closeOnce.do(func() { close(done) })
				return
			}

			if time.Since(lastTouch) > TouchInterval {
				e.manager.Touch(sessionID)
				lastTouch = time.Now()
			}
		}
	}
}

type wsMessage struct {
	mt   int
	data []byte
	err  error
}

// outboundLoop demultiplexes the exec's combined stdout/stderr stream and
// forwards byte buffers as binary frames, preserving terminal escape
// sequences byte-exact (spec §4.5 "Outbound"). Up to 5 consecutive
// read errors with 100ms backoff are tolerated before tear-down.
func (e *Engine) outboundLoop(log *slog.Logger, conn *websocket.Conn, reader io.Reader, done chan struct{}, closeOnce *closer) {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(err)
	}()

	buf := make([]byte, 32*1024)
	consecutiveErrs := 0
	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()

	readResult := make(chan readOutcome, 1)
	go readLoop(pr, buf, readResult)

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				closeOnce.do(func() { close(done) })
				return
			}
		case out := <-readResult:
			if out.err != nil {
				consecutiveErrs++
				if out.err == io.EOF || consecutiveErrs > 5 {
					closeOnce.do(func() { close(done) })
					return
				}
				time.Sleep(100 * time.Millisecond)
				go readLoop(pr, buf, readResult)
				continue
			}
			consecutiveErrs = 0
			pingTicker.Reset(PingInterval)

			conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, out.data); err != nil {
				closeOnce.do(func() { close(done) })
				return
			}
			go readLoop(pr, buf, readResult)
		}
	}
}

type readOutcome struct {
	data []byte
	err  error
}

func readLoop(r io.Reader, buf []byte, out chan<- readOutcome) {
	n, err := r.Read(buf)
	data := make([]byte, n)
	copy(data, buf[:n])
	out <- readOutcome{data: data, err: err}
}

// resizeLoop drains the resize channel (capacity ~4, coalescing allowed)
// and invokes ContainerExecResize.
func (e *Engine) resizeLoop(ctx context.Context, log *slog.Logger, execID string, resizeCh <-chan [2]int, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sz, ok := <-resizeCh:
			if !ok {
				return
			}
			if err := e.docker.ContainerExecResize(ctx, execID, container.ResizeOptions{Width: uint(sz[0]), Height: uint(sz[1])}); err != nil {
				log.Warn("exec resize failed", "error", err)
			}
		}
	}
}

func (e *Engine) writeErrorFrame(conn *websocket.Conn, msg string) {
	conn.WriteMessage(websocket.TextMessage, []byte("\r\n❌ "+msg+"\r\n"))
}

// writeIdleTimeoutFrame renders a visible frame before tearing down a pump
// that hit the inbound idle ceiling (spec §7 IdleTimeout, §8 boundary:
// "Idle ceiling exactly reached ⇒ pump tears down with an idle-timeout
// frame").
func (e *Engine) writeIdleTimeoutFrame(conn *websocket.Conn) {
	conn.WriteMessage(websocket.TextMessage, []byte("\r\n⏱ session idle, disconnecting\r\n"))
}
