// Package postprocess configures freshly switched-in proxies over SSH.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// DefaultCommands restore the firewall rules and start squid.
var DefaultCommands = []string{
	"sudo iptables-restore < /etc/iptables.rules",
	"sudo squid3 -f /etc/squid3/squid.conf",
}

// options configures the SSH post-processor (internal only).
type options struct {
	port        int
	commands    []string
	bootDelay   time.Duration
	dialTimeout time.Duration
	attempts    uint
	retryDelay  time.Duration
	logger      zerolog.Logger
}

func defaultOptions() options {
	return options{
		port:        22,
		commands:    DefaultCommands,
		bootDelay:   5 * time.Second,
		dialTimeout: 15 * time.Second,
		attempts:    5,
		retryDelay:  2 * time.Second,
		logger:      zerolog.Nop(),
	}
}

// Option is a functional option for configuring the SSH post-processor.
type Option func(*options)

// WithPort sets the SSH port.
func WithPort(port int) Option {
	return func(o *options) {
		if port > 0 {
			o.port = port
		}
	}
}

// WithCommands replaces the commands run on every new proxy.
func WithCommands(commands []string) Option {
	return func(o *options) {
		if len(commands) > 0 {
			o.commands = commands
		}
	}
}

// WithBootDelay sets how long to wait before the first connection attempt.
func WithBootDelay(delay time.Duration) Option {
	return func(o *options) {
		o.bootDelay = delay
	}
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.dialTimeout = timeout
		}
	}
}

// WithDialRetries sets how often the connection is attempted and the base
// delay between attempts.
func WithDialRetries(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if delay > 0 {
			o.retryDelay = delay
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// SSH implements proxyrotator.PostProcessor by running shell commands on the
// new proxy. Host keys are not verified: every proxy is a brand new machine
// whose key cannot be known in advance.
type SSH struct {
	user    string
	signer  ssh.Signer
	options options
	logger  zerolog.Logger
}

// New creates an SSH post-processor logging in as user with the PEM encoded
// privateKey.
func New(user string, privateKey []byte, opts ...Option) (*SSH, error) {
	var signer, err = ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh private key: %w", err)
	}

	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &SSH{
		user:    user,
		signer:  signer,
		options: o,
		logger:  o.logger.With().Str("component", "postprocess").Logger(),
	}, nil
}

// NewFromKeyFile is New with the private key read from path.
func NewFromKeyFile(user, path string, opts ...Option) (*SSH, error) {
	var key, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", path, err)
	}
	return New(user, key, opts...)
}

// Configure waits for the boot delay, connects to address and runs every
// command in order. A failing command does not stop the ones after it.
func (s *SSH) Configure(ctx context.Context, address string) error {
	var logger = s.logger.With().Str("address", address).Logger()

	if s.options.bootDelay > 0 {
		var timer = time.NewTimer(s.options.bootDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var client, err = s.dial(ctx, address, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var errs []error
	for _, command := range s.options.commands {
		if err := s.run(client, command); err != nil {
			logger.Error().Err(err).Str("command", command).Msg("post-process command failed")
			errs = append(errs, err)
			continue
		}
		logger.Info().Str("command", command).Msg("ran post-process command")
	}
	return errors.Join(errs...)
}

func (s *SSH) dial(ctx context.Context, address string, logger zerolog.Logger) (*ssh.Client, error) {
	var (
		target = net.JoinHostPort(address, strconv.Itoa(s.options.port))
		config = &ssh.ClientConfig{
			User:            s.user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         s.options.dialTimeout,
		}
		client *ssh.Client
	)

	var err = retry.Do(
		func() error {
			var dialer = net.Dialer{Timeout: s.options.dialTimeout}
			var conn, err = dialer.DialContext(ctx, "tcp", target)
			if err != nil {
				return err
			}
			c, chans, reqs, err := ssh.NewClientConn(conn, target, config)
			if err != nil {
				_ = conn.Close()
				if strings.Contains(err.Error(), "unable to authenticate") {
					return retry.Unrecoverable(err)
				}
				return err
			}
			client = ssh.NewClient(c, chans, reqs)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.options.attempts),
		retry.Delay(s.options.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Warn().Err(err).Uint("attempt", attempt).Msg("ssh not reachable yet, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return client, nil
}

func (s *SSH) run(client *ssh.Client, command string) error {
	var session, err = client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	if output, err := session.CombinedOutput(command); err != nil {
		return fmt.Errorf("%q failed: %w: %s", command, err, strings.TrimSpace(string(output)))
	}
	return nil
}
