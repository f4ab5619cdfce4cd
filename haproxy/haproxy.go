// Package haproxy renders the backend list of the HAProxy front load balancer
// and reloads it.
package haproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	proxyrotator "go-proxyrotator"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// legacyPlaceholder is the backend marker used by older template files. It is
// rewritten to {{.Servers}} before parsing.
const legacyPlaceholder = "%(squid_config)s"

// serverLine is one HAProxy backend entry per active proxy.
const serverLine = "\tserver  squid%d %s:%d check inter 10000 rise 2 fall 5"

// options configures the Configurer (internal only).
type options struct {
	port          int
	reloadCommand string
	attempts      uint
	retryDelay    time.Duration
	testMode      bool
	rand          *rand.Rand
	logger        zerolog.Logger
}

func defaultOptions() options {
	var seed = uint64(time.Now().UnixNano())
	return options{
		port:          8321,
		reloadCommand: "sudo service haproxy reload",
		attempts:      3,
		retryDelay:    time.Second,
		rand:          rand.New(rand.NewPCG(seed, seed>>1|1)),
		logger:        zerolog.Nop(),
	}
}

// Option is a functional option for configuring a Configurer.
type Option func(*options)

// WithBackendPort sets the port the proxies listen on.
func WithBackendPort(port int) Option {
	return func(o *options) {
		if port > 0 {
			o.port = port
		}
	}
}

// WithReloadCommand sets the shell command that reloads HAProxy.
func WithReloadCommand(command string) Option {
	return func(o *options) {
		if command != "" {
			o.reloadCommand = command
		}
	}
}

// WithReloadRetries sets how often a failing reload command is attempted and
// the base delay between attempts.
func WithReloadRetries(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if delay > 0 {
			o.retryDelay = delay
		}
	}
}

// WithTestMode writes the configuration but never runs the reload command.
func WithTestMode(test bool) Option {
	return func(o *options) {
		o.testMode = test
	}
}

// WithSeed makes the backend order reproducible.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Configurer implements proxyrotator.LoadBalancer for HAProxy.
type Configurer struct {
	mu       sync.Mutex
	template *template.Template
	output   string
	options  options
	logger   zerolog.Logger
}

// templateData is what the template sees.
type templateData struct {
	Servers string
	Count   int
}

// New parses the template file at templatePath. Rendered configurations are
// written to output.
func New(templatePath, output string, opts ...Option) (*Configurer, error) {
	var raw, err = os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read load balancer template: %w", err)
	}
	return NewFromString(string(raw), output, opts...)
}

// NewFromString is New with the template given inline.
func NewFromString(text, output string, opts ...Option) (*Configurer, error) {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if !strings.Contains(text, legacyPlaceholder) && !strings.Contains(text, ".Servers") {
		return nil, fmt.Errorf("%w: load balancer template has no {{.Servers}} placeholder", proxyrotator.ErrConfig)
	}

	if strings.Contains(text, legacyPlaceholder) {
		// legacy templates escape literal percent signs as %%
		text = strings.ReplaceAll(text, legacyPlaceholder, "{{.Servers}}")
		text = strings.ReplaceAll(text, "%%", "%")
	}

	var tmpl, err = template.New("haproxy").
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse load balancer template: %v", proxyrotator.ErrConfig, err)
	}

	return &Configurer{
		template: tmpl,
		output:   output,
		options:  o,
		logger:   o.logger.With().Str("component", "haproxy").Logger(),
	}, nil
}

// Render lists every given proxy as a backend server, in shuffled order.
func (c *Configurer) Render(active []proxyrotator.ProxyRecord) ([]byte, error) {
	c.mu.Lock()
	var shuffled = append([]proxyrotator.ProxyRecord(nil), active...)
	c.options.rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	c.mu.Unlock()

	var lines = make([]string, 0, len(shuffled))
	for i, record := range shuffled {
		lines = append(lines, fmt.Sprintf(serverLine, i+1, record.Address, c.options.port))
	}

	var buf bytes.Buffer
	if err := c.template.Execute(&buf, templateData{Servers: strings.Join(lines, "\n"), Count: len(lines)}); err != nil {
		return nil, fmt.Errorf("failed to render load balancer config: %w", err)
	}
	return buf.Bytes(), nil
}

// Apply atomically replaces the output file with config.
func (c *Configurer) Apply(_ context.Context, config []byte) error {
	var dir = filepath.Dir(c.output)

	var tmp, err = os.CreateTemp(dir, ".haproxy-*.cfg")
	if err != nil {
		return fmt.Errorf("failed to create temp load balancer config: %w", err)
	}
	var tmpPath = tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(config); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp load balancer config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp load balancer config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp load balancer config: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to chmod load balancer config: %w", err)
	}
	if err := os.Rename(tmpPath, c.output); err != nil {
		return fmt.Errorf("failed to replace load balancer config: %w", err)
	}

	c.logger.Debug().Str("path", c.output).Int("bytes", len(config)).Msg("wrote load balancer config")
	return nil
}

// Reload runs the reload command, retrying on failure. In test mode it does
// nothing.
func (c *Configurer) Reload(ctx context.Context) error {
	if c.options.testMode {
		c.logger.Info().Msg("test mode, skipping load balancer reload")
		return nil
	}

	var err = retry.Do(
		func() error {
			var output, err = exec.CommandContext(ctx, "sh", "-c", c.options.reloadCommand).CombinedOutput()
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return fmt.Errorf("%q exited with %d: %s", c.options.reloadCommand, exitErr.ExitCode(), strings.TrimSpace(string(output)))
				}
				return fmt.Errorf("failed to run %q: %w", c.options.reloadCommand, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.options.attempts),
		retry.Delay(c.options.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			c.logger.Warn().Err(err).Uint("attempt", attempt).Msg("load balancer reload failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to reload load balancer: %w", err)
	}

	c.logger.Info().Msg("reloaded load balancer")
	return nil
}
