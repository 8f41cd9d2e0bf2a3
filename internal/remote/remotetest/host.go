// Package remotetest provides an in-memory remote host for tests. It
// interprets the small set of programs deployr issues (test, the checksum
// tools, mkdir, cp, chmod, ln, npm, update-rc.d and installed init scripts)
// against a fake filesystem and records every call.
package remotetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/deployr/internal/checksum"
	"github.com/loykin/deployr/internal/remote"
)

// Interceptor may take over a single step. Returning handled=false falls
// through to the built-in interpretation.
type Interceptor func(h *Host, step []string) (code int, handled bool)

// Host is a fake remote.Transport. The zero value is not usable; call New.
type Host struct {
	Name string

	mu      sync.Mutex
	files   map[string][]byte
	exec    map[string]bool
	dirs    map[string]bool
	links   map[string]string
	calls   []remote.Command
	uploads []string
	writes  int

	// VerbCodes maps an init-script verb to the exit code the installed
	// script returns. Unlisted verbs exit 0.
	VerbCodes map[string]int
	// Codes forces the exit code of a program by name.
	Codes map[string]int
	// TransportErrs fails any command whose program matches with a
	// transport error.
	TransportErrs map[string]error
	// UploadErr fails every upload.
	UploadErr error
	// Intercept runs before the built-in interpretation of each step.
	Intercept Interceptor
}

func New() *Host {
	return &Host{
		Name:  "fake",
		files: map[string][]byte{},
		exec:  map[string]bool{},
		dirs:  map[string]bool{"/": true},
		links: map[string]string{},
	}
}

var _ remote.Transport = (*Host)(nil)

func (h *Host) Host() string { return h.Name }
func (h *Host) Close() error { return nil }

// PutFile seeds a file without counting it as a write.
func (h *Host) PutFile(p string, data []byte, executable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[p] = append([]byte(nil), data...)
	h.exec[p] = executable
	h.mkdirAll(path.Dir(p))
}

// File returns the content at p.
func (h *Host) File(p string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[p]
	return data, ok
}

// MkdirAll seeds a directory without counting it as a write.
func (h *Host) MkdirAll(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(p)
}

func (h *Host) Executable(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec[p]
}

func (h *Host) Dir(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirs[p]
}

// Link returns the target of the symlink at p.
func (h *Host) Link(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.links[p]
	return t, ok
}

// Calls returns every command run so far, in order.
func (h *Host) Calls() []remote.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]remote.Command(nil), h.calls...)
}

// Rendered returns the rendered text of every command run so far.
func (h *Host) Rendered() []string {
	var out []string
	for _, c := range h.Calls() {
		out = append(out, c.Render())
	}
	return out
}

// Labels returns the label of every command run so far.
func (h *Host) Labels() []string {
	var out []string
	for _, c := range h.Calls() {
		out = append(out, c.Label)
	}
	return out
}

func (h *Host) Uploads() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.uploads...)
}

// Writes counts state-changing operations: uploads and mutating programs.
func (h *Host) Writes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

// Reset forgets recorded calls and the write counter but keeps the
// filesystem.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
	h.uploads = nil
	h.writes = 0
}

// Paths lists every file on the fake host.
func (h *Host) Paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.files))
	for p := range h.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (h *Host) Upload(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &remote.TransportError{Host: h.Name, Label: "upload", Err: err}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploads = append(h.uploads, p)
	if h.UploadErr != nil {
		return &remote.TransportError{Host: h.Name, Label: "upload", Err: h.UploadErr}
	}
	if !h.dirs[path.Dir(p)] {
		return &remote.TransportError{Host: h.Name, Label: "upload", Err: fmt.Errorf("%s: no such directory", path.Dir(p))}
	}
	h.writes++
	h.files[p] = append([]byte(nil), data...)
	h.exec[p] = false
	return nil
}

func (h *Host) Run(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitCode: -1}, &remote.TransportError{Host: h.Name, Label: cmd.Label, Err: err}
	}
	h.mu.Lock()
	h.calls = append(h.calls, cmd)
	if err, ok := h.TransportErrs[cmd.Program()]; ok {
		h.mu.Unlock()
		return remote.Result{ExitCode: -1}, &remote.TransportError{Host: h.Name, Label: cmd.Label, Err: err}
	}
	h.mu.Unlock()

	var res remote.Result
	var stdout, stderr strings.Builder
	cwd := cmd.Dir
	if cwd != "" && !h.Dir(cwd) {
		res.Stderr = "cd: " + cwd + ": No such file or directory\n"
		res.ExitCode = 2
		return res, nil
	}
	for _, step := range cmd.Steps {
		if len(step) == 0 {
			continue
		}
		code := h.step(cwd, step, &stdout, &stderr)
		if code != 0 {
			res.ExitCode = code
			break
		}
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

func (h *Host) step(cwd string, step []string, stdout, stderr *strings.Builder) int {
	if h.Intercept != nil {
		if code, ok := h.Intercept(h, step); ok {
			return code
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	prog, args := step[0], step[1:]
	if code, ok := h.Codes[prog]; ok {
		return code
	}
	abs := func(p string) string {
		if path.IsAbs(p) || cwd == "" {
			return p
		}
		return path.Join(cwd, p)
	}

	switch prog {
	case "true":
		return 0
	case "false":
		return 1
	case "test":
		if len(args) != 2 || args[0] != "-e" {
			return 2
		}
		if h.exists(abs(args[1])) {
			return 0
		}
		return 1
	case "md5sum", "sha256sum", "b3sum":
		alg := map[string]checksum.Algorithm{"md5sum": checksum.MD5, "sha256sum": checksum.SHA256, "b3sum": checksum.BLAKE3}[prog]
		code := 0
		for _, a := range args {
			data, ok := h.files[abs(a)]
			if !ok {
				fmt.Fprintf(stderr, "%s: %s: No such file or directory\n", prog, a)
				code = 1
				continue
			}
			fmt.Fprintf(stdout, "%s  %s\n", alg.Sum(data), a)
		}
		return code
	case "mkdir":
		for _, a := range args {
			if strings.HasPrefix(a, "-") {
				continue
			}
			h.mkdirAll(abs(a))
		}
		h.writes++
		return 0
	case "cp":
		if len(args) != 2 {
			return 1
		}
		src, dst := abs(args[0]), abs(args[1])
		data, ok := h.files[src]
		if !ok {
			fmt.Fprintf(stderr, "cp: cannot stat '%s': No such file or directory\n", args[0])
			return 1
		}
		if h.dirs[dst] {
			dst = path.Join(dst, path.Base(src))
		}
		if !h.dirs[path.Dir(dst)] {
			fmt.Fprintf(stderr, "cp: cannot create regular file '%s': No such file or directory\n", args[1])
			return 1
		}
		h.files[dst] = append([]byte(nil), data...)
		h.writes++
		return 0
	case "chmod":
		if len(args) != 2 {
			return 1
		}
		p := abs(args[1])
		if _, ok := h.files[p]; !ok {
			fmt.Fprintf(stderr, "chmod: cannot access '%s': No such file or directory\n", args[1])
			return 1
		}
		h.exec[p] = strings.Contains(args[0], "x")
		h.writes++
		return 0
	case "ln":
		var pos []string
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				pos = append(pos, a)
			}
		}
		if len(pos) != 2 {
			return 1
		}
		h.links[abs(pos[1])] = pos[0]
		h.writes++
		return 0
	case "npm":
		if len(args) == 0 || args[0] != "install" {
			return 1
		}
		if _, ok := h.files[path.Join(cwd, "package.json")]; !ok {
			fmt.Fprintf(stderr, "npm ERR! enoent Could not read package.json\n")
			return 254
		}
		h.mkdirAll(path.Join(cwd, "node_modules"))
		h.writes++
		return 0
	case "update-rc.d":
		h.writes++
		return 0
	}

	// An installed executable: treat it as an init script.
	if h.exec[prog] {
		if len(args) == 0 {
			return 3
		}
		if code, ok := h.VerbCodes[args[0]]; ok {
			return code
		}
		return 0
	}
	fmt.Fprintf(stderr, "sh: %s: not found\n", prog)
	return 127
}

func (h *Host) exists(p string) bool {
	if _, ok := h.files[p]; ok {
		return true
	}
	if _, ok := h.links[p]; ok {
		return true
	}
	return h.dirs[p]
}

func (h *Host) mkdirAll(p string) {
	for p != "/" && p != "." && p != "" {
		h.dirs[p] = true
		p = path.Dir(p)
	}
}
