package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gorilla/websocket"

	"github.com/noxterm/noxterm/internal/store"
)

// Command-class timeouts (spec §4.5 "Line/command mode"): package installs
// and network fetches get the longest ceiling, editors the shortest, and
// everything else an in-between one.
const (
	timeoutLong   = 120 * time.Second
	timeoutMedium = 30 * time.Second
	timeoutShort  = 10 * time.Second
)

var longRunningCommand = regexp.MustCompile(`\b(apt-get|apt|yum|dnf|pip|pip3|npm|yarn|curl|wget|git clone)\b`)
var interactiveEditor = regexp.MustCompile(`\b(nano|vim|vi|emacs|less|more|top|htop)\b`)

// interactiveRewrites maps a small fixed set of known-interactive
// package-manager invocations to their non-interactive equivalents, so a
// one-shot exec doesn't hang waiting on a prompt the line-mode client has
// no way to answer.
var interactiveRewrites = []struct {
	match   *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`^apt-get install\b`), "apt-get install -y"},
	{regexp.MustCompile(`^apt install\b`), "apt-get install -y"},
	{regexp.MustCompile(`^apt-get remove\b`), "apt-get remove -y"},
	{regexp.MustCompile(`^apt-get upgrade\b`), "apt-get upgrade -y"},
	{regexp.MustCompile(`^yum install\b`), "yum install -y"},
	{regexp.MustCompile(`^dnf install\b`), "dnf install -y"},
}

// lineFrame is the structured response the legacy line/command mode
// returns for every submitted command.
type lineFrame struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func commandTimeout(cmd string) time.Duration {
	switch {
	case longRunningCommand.MatchString(cmd):
		return timeoutLong
	case interactiveEditor.MatchString(cmd):
		return timeoutShort
	default:
		return timeoutMedium
	}
}

func rewriteInteractive(cmd string) string {
	trimmed := strings.TrimSpace(cmd)
	for _, r := range interactiveRewrites {
		if r.match.MatchString(trimmed) {
			return r.match.ReplaceAllString(trimmed, r.replace)
		}
	}
	return cmd
}

// PumpLine runs the legacy line/command attach mode (spec §4.5 point 2,
// §9 "optional for conformance"): every inbound text frame is treated as
// a whole command, executed one-shot against the container, and answered
// with a single structured JSON frame.
func (e *Engine) PumpLine(ctx context.Context, sess *store.Session, shutdown <-chan struct{}, conn *websocket.Conn) error {
	log := e.logger.With("session_id", sess.ID, "mode", "line")
	containerRef := sess.ContainerRef
	sessionID := sess.ID

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
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case m := <-msgCh:
			if m.err != nil {
				return nil
			}
			if m.mt != websocket.TextMessage {
				continue
			}
			cmd := strings.TrimRight(string(m.data), "\r\n")
			if cmd == "" {
				continue
			}
			e.manager.Touch(sessionID)

			frame := e.runOneShot(ctx, log, containerRef, cmd)
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return nil
			}
		}
	}
}

func (e *Engine) runOneShot(ctx context.Context, log *slog.Logger, containerRef, cmd string) lineFrame {
	rewritten := rewriteInteractive(cmd)
	timeout := commandTimeout(rewritten)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame := lineFrame{Type: "command_result", Command: cmd, Timestamp: time.Now().Unix()}

	execResp, err := e.docker.ContainerExecCreate(execCtx, containerRef, container.ExecOptions{
		Cmd:          []string{"/bin/bash", "-lc", rewritten},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/root",
	})
	if err != nil {
		frame.Error = fmt.Sprintf("exec creation failed: %v", err)
		return frame
	}

	attachResp, err := e.docker.ContainerExecAttach(execCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		frame.Error = fmt.Sprintf("exec attach failed: %v", err)
		return frame
	}
	defer attachResp.Close()

	var stdout, stderr strings.Builder
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&strBuilderWriter{&stdout}, &strBuilderWriter{&stderr}, attachResp.Reader)
		done <- copyErr
	}()

	select {
	case <-execCtx.Done():
		frame.Error = "command timed out"
		return frame
	case copyErr := <-done:
		if copyErr != nil {
			frame.Error = fmt.Sprintf("reading output: %v", copyErr)
			return frame
		}
	}

	if stderr.Len() > 0 && stdout.Len() == 0 {
		frame.Error = stderr.String()
	} else {
		frame.Output = stdout.String()
	}
	return frame
}

type strBuilderWriter struct{ b *strings.Builder }

func (w *strBuilderWriter) Write(p []byte) (int, error) { return w.b.Write(p) }
