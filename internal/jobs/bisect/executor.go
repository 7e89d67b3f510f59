// Package bisect drives the actual `git bisect` session for a job: clone,
// wrapper script, bisect run, sentinel parse, cleanup. It is the only
// component that shells out to git.
package bisect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// LineCallback receives one line of combined stdout/stderr as it is
// produced, for live streaming to subscribers. It must not block long.
type LineCallback func(line string)

// Request is the executor's input, assembled from the job row plus a
// resolved clone URL (the clone-url provider sits upstream of this).
type Request struct {
	CloneURL    string
	GoodSHA     string
	BadSHA      string
	TestCommand string
	// Timeout, if non-zero, bounds the whole clone+bisect run.
	Timeout time.Duration
}

// Result is either a culprit commit, or a failure/timeout/cancellation that
// stopped the run before one was found.
type Result struct {
	Success        bool
	CulpritSHA     string
	CulpritMessage string
	OutputLog      string
	Error          string
	TimedOut       bool
	Cancelled      bool
}

var gitUserEmail = "bisect-bot@bisect-dispatcher.local"
var gitUserName = "Bisect Bot"

// Run executes the full clone → bisect → parse → cleanup sequence. The
// scratch directory is always removed before returning, even on panic
// recovery upstream (Run itself does not recover panics; the worker pool
// does that around the whole job).
func Run(ctx context.Context, req Request, onLine LineCallback) Result {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	redactedCloneURL := redactCloneURL(req.CloneURL)

	var out strings.Builder
	log := func(line string) {
		if redactedCloneURL != req.CloneURL {
			line = strings.ReplaceAll(line, req.CloneURL, redactedCloneURL)
		}
		out.WriteString(line)
		out.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	// fail builds a failure Result, classifying it as TimedOut/Cancelled
	// when ctx says so; ctx carries the deadline set up above, so this is
	// accurate even though the individual git commands see the same ctx.
	fail := func(msg string) Result {
		r := Result{Error: msg, OutputLog: out.String()}
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			r.TimedOut = true
		case errors.Is(ctx.Err(), context.Canceled):
			r.Cancelled = true
		}
		return r
	}

	scratchDir, err := os.MkdirTemp("", "bisect-")
	if err != nil {
		return Result{Error: fmt.Sprintf("create scratch dir: %v", err)}
	}
	defer os.RemoveAll(scratchDir)

	repoDir := filepath.Join(scratchDir, "repo")

	log(fmt.Sprintf("cloning %s", redactedCloneURL))
	if err := runStreamed(ctx, scratchDir, log, "git", "clone", "--progress", req.CloneURL, repoDir); err != nil {
		return fail(fmt.Sprintf("clone failed: %v", err))
	}
	log("clone complete")

	if err := runQuiet(ctx, repoDir, "git", "config", "user.email", gitUserEmail); err != nil {
		return fail(fmt.Sprintf("git config user.email: %v", err))
	}
	if err := runQuiet(ctx, repoDir, "git", "config", "user.name", gitUserName); err != nil {
		return fail(fmt.Sprintf("git config user.name: %v", err))
	}

	scriptPath := filepath.Join(repoDir, "build_and_test.sh")
	script := "#!/bin/bash\n" +
		"# generated for this bisect run\n" +
		"# exit 0 = good, 1-124/126/127 = bad, 125 = skip, >=128 = abort\n" +
		"set -e\n" +
		req.TestCommand + "\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return fail(fmt.Sprintf("write build_and_test.sh: %v", err))
	}
	log("wrote build_and_test.sh")

	if err := runQuiet(ctx, repoDir, "git", "bisect", "start", req.BadSHA, req.GoodSHA); err != nil {
		return fail(fmt.Sprintf("git bisect start: %v", err))
	}
	defer runQuiet(context.Background(), repoDir, "git", "bisect", "reset")

	log("running git bisect run ./build_and_test.sh")
	bisectErr := runStreamed(ctx, repoDir, log, "git", "bisect", "run", "./build_and_test.sh")

	culpritSHA := parseCulprit(out.String())
	if culpritSHA == "" {
		msg := "bisect did not find a culprit commit"
		if bisectErr != nil {
			msg = fmt.Sprintf("bisect run failed: %v", bisectErr)
		}
		log(msg)
		return fail(msg)
	}

	culpritMessage, _ := commitSubject(ctx, repoDir, culpritSHA)
	log(fmt.Sprintf("first bad commit: %s %s", culpritSHA, culpritMessage))

	return Result{
		Success:        true,
		CulpritSHA:     culpritSHA,
		CulpritMessage: culpritMessage,
		OutputLog:      out.String(),
	}
}

// redactCloneURL masks any embedded userinfo (a bearer token or
// username:password pair an authenticated clone URL carries) before the URL
// is allowed anywhere near the persisted transcript or the stream bus. A URL
// with no userinfo, or one that doesn't parse as a URL at all, is returned
// unchanged.
func redactCloneURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	mask := "***"
	if _, hasPassword := u.User.Password(); hasPassword {
		mask = "***:***"
	}
	// net/url percent-encodes '*' inside userinfo, so the mask is spliced
	// into the rendered URL rather than set through u.User.
	u.User = nil
	return strings.Replace(u.String(), "//", "//"+mask+"@", 1)
}

func parseCulprit(combined string) string {
	for _, line := range strings.Split(combined, "\n") {
		if strings.Contains(line, "is the first bad commit") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}

func commitSubject(ctx context.Context, dir, sha string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--pretty=%s", sha)
	cmd.Dir = dir
	b, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func runQuiet(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(append([]string{name}, args...), " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// runStreamed runs a command, draining stdout and stderr concurrently and
// forwarding each line to log as it arrives, in the spirit of the
// embed-chunks pipeline step's errgroup-bounded fan-out.
func runStreamed(ctx context.Context, dir string, log func(string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return drainLines(stdout, log) })
	g.Go(func() error { return drainLines(stderr, log) })

	drainErr := g.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		return waitErr
	}
	return drainErr
}

func drainLines(r io.Reader, log func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		log(scanner.Text())
	}
	return scanner.Err()
}
