/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package routeros

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultExportCommand = "/export terse"
	defaultLogCommand    = "/log print without-paging"
	defaultProbeCommand  = "/system resource print"
)

var errEmptyExport = errors.New("device returned an empty export")

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	// LogLines caps the log excerpt to the most recent lines.
	LogLines int `json:"log_lines"`
	// KnownHostsFile enables host key verification. When empty any host key
	// is accepted.
	KnownHostsFile string `json:"known_hosts_file"`
	ExportCommand  string `json:"export_command"`
	LogCommand     string `json:"log_command"`
}

// SSHClient runs RouterOS console commands over SSH exec sessions.
type SSHClient struct {
	cfg     SSHConfig
	hostKey ssh.HostKeyCallback
	dialer  *net.Dialer
	logger  logger.Logger
}

// NewSSHClient builds the SSH transport.
func NewSSHClient(cfg SSHConfig, log logger.Logger) (*SSHClient, error) {
	if log == nil {
		log = logger.NewTestLogger()
	}

	if cfg.LogLines <= 0 {
		cfg.LogLines = defaultLogLines
	}

	if cfg.ExportCommand == "" {
		cfg.ExportCommand = defaultExportCommand
	}

	if cfg.LogCommand == "" {
		cfg.LogCommand = defaultLogCommand
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via known_hosts_file

	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}

		hostKey = cb
	} else {
		log.Warn().Msg("SSH host key verification disabled; set known_hosts_file to enable it")
	}

	return &SSHClient{
		cfg:     cfg,
		hostKey: hostKey,
		dialer:  &net.Dialer{},
		logger:  log,
	}, nil
}

// Fetch implements Client. A failing log command does not fail the fetch;
// the snapshot then carries no log excerpt.
func (c *SSHClient) Fetch(ctx context.Context, target Target) (*models.Snapshot, error) {
	var snap *models.Snapshot

	err := c.withClient(ctx, target, func(ctx context.Context, client *ssh.Client) error {
		config, err := run(client, c.cfg.ExportCommand)
		if err != nil {
			return err
		}

		if len(config) == 0 {
			return newError(KindProtocolError, target.Name, errEmptyExport)
		}

		logs, err := run(client, c.cfg.LogCommand)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}

			c.logger.Warn().Err(err).Str("device", target.Name).Msg("Failed to read device log")

			logs = nil
		}

		snap = &models.Snapshot{
			Config:    config,
			Logs:      TailLines(logs, c.cfg.LogLines),
			FetchedAt: time.Now().UTC(),
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// Probe implements Client.
func (c *SSHClient) Probe(ctx context.Context, target Target) error {
	return c.withClient(ctx, target, func(_ context.Context, client *ssh.Client) error {
		_, err := run(client, defaultProbeCommand)
		return err
	})
}

func (c *SSHClient) withClient(
	ctx context.Context, target Target, fn func(ctx context.Context, client *ssh.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, target.timeout())
	defer cancel()

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.port()))

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDial(ctx, target.Name, err)
	}
	defer func() { _ = conn.Close() }()

	// Unblocks handshake and session reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	password := target.Password

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User: target.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}

				return answers, nil
			}),
		},
		HostKeyCallback: c.hostKey,
		Timeout:         target.timeout(),
	})
	if err != nil {
		return classifyHandshake(ctx, target.Name, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	defer func() { _ = client.Close() }()

	if err := fn(ctx, client); err != nil {
		return classifySession(ctx, target.Name, err)
	}

	return nil
}

func run(client *ssh.Client, command string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer func() { _ = session.Close() }()

	out, err := session.Output(command)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", command, err)
	}

	return out, nil
}
