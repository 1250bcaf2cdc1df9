// ABOUTME: One worker child process: spawn with piped stdin/stdout, feed job ids,
// ABOUTME: wait for "done <id>" acks. All methods run on the owning slot goroutine.
package procpool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// ackPrefix is the stdout line a worker child writes after persisting the
// result for a job: "done <job-id>".
const ackPrefix = "done"

// workerProc is one running child process. All methods are called from the
// owning slot goroutine only; no internal locking.
type workerProc struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Scanner
	jobsDone int
}

// startWorkerProc starts cmd with a line-oriented stdin/stdout protocol.
// The child's stderr is passed through so its structured logs reach the
// dispatcher's log sink.
func startWorkerProc(cmd *exec.Cmd) (*workerProc, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	return &workerProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewScanner(stdout),
	}, nil
}

func (w *workerProc) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// runJob sends one job id to the child and blocks until the child acks it.
// A non-nil error means the child died or broke protocol before acking; the
// job's fate is then unknown to the parent and is left to the lost-job sweep.
func (w *workerProc) runJob(id uuid.UUID) error {
	if _, err := fmt.Fprintln(w.stdin, id.String()); err != nil {
		return fmt.Errorf("write job id: %w", err)
	}
	for w.stdout.Scan() {
		fields := strings.Fields(w.stdout.Text())
		if len(fields) == 2 && fields[0] == ackPrefix && fields[1] == id.String() {
			return nil
		}
		// Unexpected lines are tolerated; user code may print to stdout.
	}
	if err := w.stdout.Err(); err != nil {
		return fmt.Errorf("read ack for job %s: %w", id, err)
	}
	return fmt.Errorf("worker process exited before acking job %s", id)
}

// close ends the child gracefully: stdin EOF tells the runner loop to exit,
// then we reap the process.
func (w *workerProc) close() error {
	_ = w.stdin.Close()
	return w.cmd.Wait()
}

// kill forcefully terminates the child. The owning goroutine still calls
// close afterwards to reap it.
func (w *workerProc) kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}
