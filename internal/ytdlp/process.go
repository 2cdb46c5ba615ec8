package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultBinary is the downloader looked up on PATH when no explicit path is
// configured.
const DefaultBinary = "yt-dlp"

// ErrSpawn wraps failures to start the external downloader, typically a
// missing or unexecutable binary.
var ErrSpawn = errors.New("spawn downloader")

// DownloadOptions describe one downloader invocation.
type DownloadOptions struct {
	URL            string
	FormatID       string
	OutputTemplate string
	// RateLimitKB caps the transfer speed in KiB/s. Zero means unlimited.
	RateLimitKB int
}

// Process is a handle to one running downloader subprocess. The subprocess is
// placed in its own process group so that pause, resume and terminate signals
// reach yt-dlp together with any helper processes it forks.
type Process struct {
	cmd    *exec.Cmd
	out    *os.File
	reader *bufio.Reader

	waitOnce sync.Once
	exitCode int
}

// Runner spawns downloader subprocesses.
type Runner struct {
	Binary string
}

func (r *Runner) binary() string {
	if r == nil || r.Binary == "" {
		return DefaultBinary
	}
	return r.Binary
}

// Start spawns the downloader for one job. Stdout and stderr are combined
// into a single stream because yt-dlp spreads progress and diagnostics across
// both.
func (r *Runner) Start(ctx context.Context, opts DownloadOptions) (*Process, error) {
	args := []string{
		"-f", opts.FormatID,
		"-o", opts.OutputTemplate,
		"--newline",
		"--no-playlist",
	}
	if opts.RateLimitKB > 0 {
		args = append(args, "--limit-rate", strconv.Itoa(opts.RateLimitKB)+"K")
	}
	args = append(args, opts.URL)

	cmd := exec.CommandContext(ctx, r.binary(), args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	return &Process{
		cmd:    cmd,
		out:    pr,
		reader: bufio.NewReader(pr),
	}, nil
}

// ReadLine returns the next output line without its trailing newline. The
// read blocks while the subprocess is suspended and returns io.EOF once the
// stream is drained after exit.
func (p *Process) ReadLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		if len(line) > 0 {
			return trimEOL(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	return trimEOL(line), nil
}

func trimEOL(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// Pause suspends the process group. yt-dlp has no pause protocol, so this is
// a pure OS-level stop: the output stream stalls until Resume.
func (p *Process) Pause() error {
	return p.signal(unix.SIGSTOP)
}

// Resume continues a suspended process group.
func (p *Process) Resume() error {
	return p.signal(unix.SIGCONT)
}

// Terminate requests graceful termination. A stopped process only acts on
// SIGTERM once continued, so SIGCONT follows the SIGTERM. No SIGKILL is ever
// sent; an unterminable process may linger past cancellation.
func (p *Process) Terminate() error {
	if err := p.signal(unix.SIGTERM); err != nil {
		return err
	}
	return p.signal(unix.SIGCONT)
}

// signal delivers sig to the whole process group. Signalling an already
// exited process is a benign race and reports success.
func (p *Process) signal(sig unix.Signal) error {
	if p.cmd.Process == nil || p.cmd.ProcessState != nil {
		return nil
	}
	if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

// Wait blocks until the subprocess exits and returns its exit code. A
// subprocess killed by a signal reports -1.
func (p *Process) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		_ = p.out.Close()
		if err == nil {
			p.exitCode = 0
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.exitCode = -1
	})
	return p.exitCode
}
