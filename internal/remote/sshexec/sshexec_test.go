//go:build !windows

package sshexec

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/loykin/deployr/internal/remote"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type testServer struct {
	addr    string
	hostKey ssh.Signer
}

// startServer runs a minimal SSH server that executes "exec" requests with
// /bin/sh and accepts only clientKey.
func startServer(t *testing.T, clientKey ssh.PublicKey) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg)
		}
	}()
	return &testServer{addr: l.Addr().String(), hostKey: hostSigner}
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer func() { _ = ch.Close() }()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		cmd := exec.Command("/bin/sh", "-c", payload.Command)
		cmd.Stdin = ch
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		code := 0
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = 127
			}
		}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{uint32(code)}))
		return
	}
}

// clientFixture writes an identity file and a known_hosts file for srv.
func clientFixture(t *testing.T) (ssh.PublicKey, string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "deployr-test")
	require.NoError(t, err)
	identity := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(identity, pem.EncodeToMemory(block), 0o600))
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer.PublicKey(), identity
}

func writeKnownHosts(t *testing.T, addr string, key ssh.PublicKey) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(p, []byte(knownhosts.Line([]string{addr}, key)+"\n"), 0o600))
	return p
}

func configFor(t *testing.T, srv *testServer, identity, knownHosts string) Config {
	host, port, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Config{
		Host:         host,
		Port:         p,
		User:         "deploy",
		IdentityFile: identity,
		KnownHosts:   []string{knownHosts},
	}
}

func TestClient_RunAndUpload(t *testing.T) {
	pub, identity := clientFixture(t)
	srv := startServer(t, pub)
	cfg := configFor(t, srv, identity, writeKnownHosts(t, srv.addr, srv.hostKey.PublicKey()))

	ctx := context.Background()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	res, err := c.Run(ctx, remote.New("echo", "hello world"))
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hello world\n", res.Stdout)

	res, err = c.Run(ctx, remote.New("sh", "-c", "echo oops >&2; exit 3"))
	require.NoError(t, err, "non-zero exit is not a transport failure")
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "oops\n", res.Stderr)

	target := filepath.Join(t.TempDir(), "api.conf")
	require.NoError(t, c.Upload(ctx, target, []byte("#!/bin/sh\necho hi\n")))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(data))

	err = c.Upload(ctx, filepath.Join(t.TempDir(), "missing", "api.conf"), []byte("x"))
	require.ErrorIs(t, err, remote.ErrTransport)
}

func TestDial_RejectsUnknownHostKey(t *testing.T) {
	pub, identity := clientFixture(t)
	srv := startServer(t, pub)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	cfg := configFor(t, srv, identity, writeKnownHosts(t, srv.addr, other.PublicKey()))
	_, err = Dial(context.Background(), cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, remote.ErrTransport)

	cfg.InsecureIgnoreHostKey = true
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestConfig(t *testing.T) {
	require.Equal(t, "example.com:22", Config{Host: "example.com"}.Address())
	require.Equal(t, "example.com:2222", Config{Host: "example.com", Port: 2222}.Address())

	_, err := Config{}.ClientConfig()
	require.ErrorIs(t, err, ErrNoHost)

	_, err = Config{Host: "h", IdentityFile: filepath.Join(t.TempDir(), "absent"), InsecureIgnoreHostKey: true}.ClientConfig()
	require.Error(t, err)

	cc, err := Config{Host: "h", User: "deploy", InsecureIgnoreHostKey: true}.ClientConfig()
	require.NoError(t, err)
	require.Equal(t, "deploy", cc.User)
	require.Equal(t, DefaultTimeout, cc.Timeout)
}
