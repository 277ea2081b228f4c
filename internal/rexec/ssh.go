package rexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/distr1/fleet"
	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/xerrors"
)

// SSH runs commands on a remote host over golang.org/x/crypto/ssh,
// resolving per-host connection parameters (user, hostname, port) from
// ~/.ssh/config via github.com/kevinburke/ssh_config, the same pair of
// libraries banksean-sand/sshimmer uses to drive SSH sessions against
// sandbox containers. Unlike sshimmer, SSH here does not mint its own
// certificate authority: it authenticates with the keys offered by the
// running ssh-agent and verifies hosts against ~/.ssh/known_hosts.
// IdentityFile and ProxyJump entries in ~/.ssh/config are not read.
//
// One *ssh.Client is dialed per distinct remote address and reused for every
// command against that host; Close tears all of them down.
type SSH struct {
	mu      sync.Mutex
	clients map[string]*ssh.Client

	// User overrides the remote user when ~/.ssh/config has no entry for a
	// host (default "root", matching `ssh://root@<host>` in spec.md §6).
	User string
}

// NewSSH returns an SSH executor. Connections are established lazily, on
// first use per host.
func NewSSH() *SSH {
	return &SSH{clients: make(map[string]*ssh.Client), User: "root"}
}

// Close closes every cached connection. Safe to register with
// fleet.RegisterAtExit.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for addr, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = xerrors.Errorf("closing ssh connection to %s: %w", addr, err)
		}
		delete(s.clients, addr)
	}
	return firstErr
}

func (s *SSH) argv(cmd fleet.Command) string {
	parts := make([]string, 0, len(cmd.Args)+2)
	if cmd.Elevate {
		parts = append(parts, "sudo", "-n")
	}
	parts = append(parts, shellQuote(cmd.Program))
	for _, a := range cmd.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"$`\\|&;()<>*?[]{}~!#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *SSH) client(host fleet.Host) (*ssh.Client, error) {
	addr := resolveAddr(string(host), s.User)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[addr.key]; ok {
		return c, nil
	}

	cfg := &ssh.ClientConfig{
		User:            addr.user,
		Auth:            authMethods(),
		HostKeyCallback: hostKeyCallback(),
	}
	c, err := ssh.Dial("tcp", addr.hostPort, cfg)
	if err != nil {
		return nil, err
	}
	s.clients[addr.key] = c
	return c, nil
}

type resolvedAddr struct {
	key      string // cache key
	user     string
	hostPort string
}

// resolveAddr applies ~/.ssh/config HostName/User/Port aliasing, the way
// ssh(1) itself would, so that a Host name matching a Host stanza in the
// operator's ssh config resolves the same way `ssh <host>` would.
func resolveAddr(host, defaultUser string) resolvedAddr {
	hostname := ssh_config.Get(host, "HostName")
	if hostname == "" {
		hostname = host
	}
	user := ssh_config.Get(host, "User")
	if user == "" {
		user = defaultUser
	}
	port := ssh_config.Get(host, "Port")
	if port == "" {
		port = "22"
	}
	return resolvedAddr{
		key:      user + "@" + hostname + ":" + port,
		user:     user,
		hostPort: net.JoinHostPort(hostname, port),
	}
}

func authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	return methods
}

// hostKeyCallback verifies against ~/.ssh/known_hosts when present; absent a
// known_hosts file this falls back to accepting any host key, since this
// module assumes an operator-trusted fleet (spec.md's Non-goals exclude a
// custom transport/trust model).
func hostKeyCallback() ssh.HostKeyCallback {
	path := filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
	if cb, err := knownhosts.New(path); err == nil {
		return cb
	}
	return ssh.InsecureIgnoreHostKey() //nolint:gosec
}

func (s *SSH) run(ctx context.Context, host fleet.Host, cmd fleet.Command, capture bool) (string, error) {
	client, err := s.client(host)
	if err != nil {
		return "", &fleet.TransportError{Host: host, Err: xerrors.Errorf("dial: %w", err)}
	}

	session, err := client.NewSession()
	if err != nil {
		return "", &fleet.TransportError{Host: host, Err: xerrors.Errorf("new session: %w", err)}
	}
	defer session.Close()

	done := make(chan error, 1)
	var stdout, stderr bytes.Buffer
	if capture {
		session.Stdout = &stdout
	}
	session.Stderr = &stderr

	line := s.argv(cmd)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		return "", &fleet.TransportError{Host: host, Err: ctx.Err()}
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		argv := append([]string{cmd.Program}, cmd.Args...)
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return "", &fleet.NonZeroExit{
				Host:   host,
				Argv:   argv,
				Code:   exitErr.ExitStatus(),
				Stderr: fleet.TailStderr(stderr.String()),
			}
		}
		return "", &fleet.TransportError{Host: host, Err: xerrors.Errorf("running %v: %w", argv, err)}
	}
}

func (s *SSH) RunOn(ctx context.Context, host fleet.Host, cmd fleet.Command) error {
	_, err := s.run(ctx, host, cmd, false)
	return err
}

func (s *SSH) RunStringOn(ctx context.Context, host fleet.Host, cmd fleet.Command) (string, error) {
	return s.run(ctx, host, cmd, true)
}

var _ fleet.Executor = (*SSH)(nil)

// Addr is exposed for diagnostics (e.g. -debug output showing what `ssh
// <host>` would resolve to).
func Addr(host fleet.Host, defaultUser string) string {
	a := resolveAddr(string(host), defaultUser)
	return fmt.Sprintf("%s@%s", a.user, a.hostPort)
}
