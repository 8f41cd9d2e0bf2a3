// Package sshexec implements remote.Transport over SSH.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/deployr/internal/remote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort    = 22
	DefaultTimeout = 15 * time.Second
)

// Config describes how to reach one host.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`

	IdentityFile string   `mapstructure:"identity_file"`
	KnownHosts   []string `mapstructure:"known_hosts"`
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key"`
	// UseAgent adds the keys held by the agent at $SSH_AUTH_SOCK.
	UseAgent bool `mapstructure:"use_agent"`

	// Sudo is the privilege prefix for privileged commands, e.g. "sudo -n".
	Sudo    string        `mapstructure:"sudo"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

var ErrNoHost = errors.New("ssh: host is required")

// ClientConfig builds the x/crypto/ssh client configuration.
func (c Config) ClientConfig() (*ssh.ClientConfig, error) {
	if c.Host == "" {
		return nil, ErrNoHost
	}
	user := c.User
	if user == "" {
		user = os.Getenv("USER")
	}

	var auths []ssh.AuthMethod
	if c.IdentityFile != "" {
		signer, err := loadSigner(expandHome(c.IdentityFile))
		if err != nil {
			return nil, err
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if c.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			auths = append(auths, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
				conn, err := net.Dial("unix", sock)
				if err != nil {
					return nil, err
				}
				return agent.NewClient(conn).Signers()
			}))
		}
	}

	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

func (c Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 -- opt-in
	}
	src := c.KnownHosts
	if len(src) == 0 {
		src = []string{"~/.ssh/known_hosts"}
	}
	files := make([]string, len(src))
	for i, f := range src {
		files[i] = expandHome(f)
	}
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("ssh: load known hosts: %w", err)
	}
	return cb, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssh: read identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("ssh: parse identity %s: %w", path, err)
	}
	return signer, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Client is a connected SSH host. Each command runs in its own session.
type Client struct {
	host   string
	sudo   []string
	client *ssh.Client
}

var _ remote.Transport = (*Client)(nil)

// Dial connects and authenticates.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cc, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	addr := cfg.Address()
	d := net.Dialer{Timeout: cc.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &remote.TransportError{Host: cfg.Host, Label: "dial", Err: err}
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		_ = conn.Close()
		return nil, &remote.TransportError{Host: cfg.Host, Label: "handshake", Err: err}
	}
	return &Client{
		host:   cfg.Host,
		sudo:   remote.ParseSudo(cfg.Sudo),
		client: ssh.NewClient(sc, chans, reqs),
	}, nil
}

func (c *Client) Host() string { return c.host }

func (c *Client) Close() error { return c.client.Close() }

func (c *Client) Run(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	var stdout, stderr bytes.Buffer
	start := time.Now()
	err := c.session(ctx, cmd.Label, cmd.Shell(c.sudo), nil, &stdout, &stderr)
	res := remote.Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	res.ExitCode = -1
	return res, err
}

// Upload streams data into a temporary file next to path and renames it
// into place, so readers never see a partial file.
func (c *Client) Upload(ctx context.Context, path string, data []byte) error {
	tmp := path + ".deployr-tmp"
	script := "cat > " + remote.Quote(tmp) + " && mv -f " + remote.Quote(tmp) + " " + remote.Quote(path)
	var stderr bytes.Buffer
	err := c.session(ctx, "upload", script, bytes.NewReader(data), nil, &stderr)
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &remote.TransportError{Host: c.host, Label: "upload",
			Err: fmt.Errorf("write %s: exit %d: %s", path, exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))}
	}
	return err
}

func (c *Client) session(ctx context.Context, label, script string, stdin *bytes.Reader, stdout, stderr *bytes.Buffer) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return &remote.TransportError{Host: c.host, Label: label, Err: err}
	}
	defer func() { _ = sess.Close() }()
	if stdin != nil {
		sess.Stdin = stdin
	}
	if stdout != nil {
		sess.Stdout = stdout
	}
	if stderr != nil {
		sess.Stderr = stderr
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(script) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return &remote.TransportError{Host: c.host, Label: label, Err: ctx.Err()}
	}
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	// ExitMissingError and I/O failures: the status is unknown.
	return &remote.TransportError{Host: c.host, Label: label, Err: err}
}
