package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	proxyrotator "go-proxyrotator"
	"go-proxyrotator/config"
	"go-proxyrotator/database"
	"go-proxyrotator/haproxy"
	"go-proxyrotator/notify"
	"go-proxyrotator/postprocess"
	"go-proxyrotator/provider"

	"github.com/rs/zerolog"
)

// app wires the configured collaborators into a Controller.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	store      *proxyrotator.FileStore
	controller *proxyrotator.Controller
	journal    *proxyrotator.Journal
	lease      *proxyrotator.WriterLease
	db         *sql.DB
}

// appOptions select how the collaborators are built.
type appOptions struct {
	// test swaps the provisioner for a dry run and never reloads the load balancer.
	test bool
	// allowMissingRecords starts from an empty fleet when the record file does not exist.
	allowMissingRecords bool
	// writer takes the journal's writer lease so that only one rotator mutates the fleet.
	writer    bool
	logOutput io.Writer
	noColor   bool
	// scratchDir receives the rendered load balancer config in test mode.
	// Empty means os.TempDir().
	scratchDir string
}

func newLogger(level string, out io.Writer, noColor bool) zerolog.Logger {
	var parsed, err = zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "2006-01-02 15:04:05", NoColor: noColor}).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	var cfg, err = config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if opts.logOutput == nil {
		opts.logOutput = os.Stderr
	}
	var a = &app{
		cfg:    cfg,
		logger: newLogger(cfg.LogLevel, opts.logOutput, opts.noColor),
		store:  proxyrotator.NewFileStore(cfg.ProxyList, cfg.IncludeDisabled),
	}

	fleet, err := a.loadFleet(opts.allowMissingRecords)
	if err != nil {
		return nil, err
	}

	if cfg.Journal.DSN != "" {
		if err := a.openJournal(ctx, opts.writer); err != nil {
			return nil, err
		}
	}

	var rng = newRand(cfg.Seed)

	prov, err := a.provisioner(fleet, rng, opts.test)
	if err != nil {
		a.Close()
		return nil, err
	}

	// test runs never touch the record file or the live load balancer config
	var (
		store    proxyrotator.Store = a.store
		lbOutput                    = cfg.LBConfig
	)
	if opts.test {
		if store, err = proxyrotator.NewMemoryStore(fleet); err != nil {
			a.Close()
			return nil, err
		}
		var dir = opts.scratchDir
		if dir == "" {
			dir = os.TempDir()
		}
		lbOutput = filepath.Join(dir, ".haproxy.cfg")
		a.logger.Info().Str("lb_config", lbOutput).Msg("test mode, fleet kept in memory")
	}

	lb, err := haproxy.New(cfg.LBTemplate, lbOutput,
		haproxy.WithBackendPort(cfg.LBBackendPort),
		haproxy.WithReloadCommand(cfg.LBRestart),
		haproxy.WithTestMode(opts.test),
		haproxy.WithSeed(rng.Uint64()),
		haproxy.WithLogger(a.logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier, err := a.notifier(opts.test)
	if err != nil {
		a.Close()
		return nil, err
	}

	var controllerOpts = []proxyrotator.Option{
		proxyrotator.WithPolicy(cfg.RotationPolicy()),
		proxyrotator.WithRegions(cfg.Regions()...),
		proxyrotator.WithRegionNames(cfg.RegionNameOverrides()),
		proxyrotator.WithSeed(rng.Uint64()),
		proxyrotator.WithNotifier(notifier),
		proxyrotator.WithLogger(a.logger),
	}
	if post := a.postProcessor(opts.test); post != nil {
		controllerOpts = append(controllerOpts, proxyrotator.WithPostProcessor(post))
	}
	if a.journal != nil {
		controllerOpts = append(controllerOpts, proxyrotator.WithJournal(a.journal))
	}

	a.controller = proxyrotator.NewController(fleet, store, prov, lb, controllerOpts...)
	return a, nil
}

func (a *app) loadFleet(allowMissing bool) (*proxyrotator.Fleet, error) {
	var fleet, err = a.store.Load()
	if err == nil {
		return fleet, nil
	}
	if allowMissing {
		if _, statErr := os.Stat(a.store.Path()); errors.Is(statErr, os.ErrNotExist) {
			a.logger.Info().Str("path", a.store.Path()).Msg("no proxy record file yet, starting empty")
			return proxyrotator.NewFleet(time.Now), nil
		}
	}
	return nil, err
}

func (a *app) openJournal(ctx context.Context, writer bool) error {
	var queries, db, err = openJournal(ctx, a.cfg.Journal)
	if err != nil {
		return err
	}
	a.db = db
	a.journal = proxyrotator.NewJournal(queries)

	if !writer {
		return nil
	}
	var lease = proxyrotator.NewWriterLease(queries, a.cfg.Journal.LeaseTTL)
	if err := lease.Acquire(ctx); err != nil {
		a.Close()
		return err
	}
	a.lease = lease
	a.logger.Debug().Str("holder", lease.Holder()).Msg("acquired writer lease")
	return nil
}

func openJournal(ctx context.Context, cfg config.Journal) (*database.Queries, *sql.DB, error) {
	var db, dialect, err = database.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db, cfg.TablePrefix); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return database.NewQueries(db, dialect, cfg.TablePrefix), db, nil
}

func (a *app) provisioner(fleet *proxyrotator.Fleet, rng *rand.Rand, test bool) (proxyrotator.Provisioner, error) {
	if test || a.cfg.VPSProvider == config.ProviderDryRun {
		// the dry run knows the recorded proxies so that retiring them works
		var existing []proxyrotator.Instance
		for _, member := range fleet.Snapshot() {
			if member.Active && member.Managed() {
				existing = append(existing, proxyrotator.Instance{
					Address:    member.Address,
					Region:     member.Region,
					InstanceID: member.InstanceID,
				})
			}
		}
		return provider.NewDryRun(rng, existing...), nil
	}

	if a.cfg.Linode.Token == "" {
		return nil, fmt.Errorf("%w: linode token is missing, set ROTATOR_LINODE_TOKEN", proxyrotator.ErrConfig)
	}
	return provider.NewLinode(a.cfg.Linode.Token,
		provider.WithBaseURL(a.cfg.Linode.APIURL),
		provider.WithInstanceType(a.cfg.Linode.Type),
		provider.WithImage(a.cfg.Linode.Image),
		provider.WithTag(a.cfg.Linode.Tag),
		provider.WithAuthorizedKeys(a.cfg.Linode.AuthorizedKeys),
		provider.WithBootTimeout(a.cfg.Linode.BootTimeout),
		provider.WithLinodeLogger(a.logger),
	), nil
}

func (a *app) postProcessor(test bool) proxyrotator.PostProcessor {
	var pp = a.cfg.PostProcess
	if test || !pp.Enabled {
		return nil
	}
	if a.cfg.SSHKey == "" {
		a.logger.Warn().Msg("post-processing enabled but ssh_key is not set, skipping it")
		return nil
	}

	var ssh, err = postprocess.NewFromKeyFile(a.cfg.User, a.cfg.SSHKey,
		postprocess.WithPort(pp.Port),
		postprocess.WithCommands(pp.Commands),
		postprocess.WithBootDelay(pp.BootDelay),
		postprocess.WithLogger(a.logger),
	)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to set up post-processing, skipping it")
		return nil
	}
	return ssh
}

func (a *app) notifier(test bool) (proxyrotator.Notifier, error) {
	var mail = a.cfg.Email
	if test || !mail.Enabled {
		return notify.NewLog(a.logger), nil
	}
	return notify.NewEmail(notify.EmailConfig{
		Server:   mail.Server,
		Port:     mail.Port,
		From:     mail.From,
		To:       mail.To,
		Subject:  mail.Subject,
		Username: mail.Username,
		Password: mail.Password,
	}, nil, a.logger)
}

// Close gives up the writer lease and releases the journal connection.
func (a *app) Close() {
	if a.lease != nil {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.lease.Release(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to release writer lease")
		}
		cancel()
		a.lease = nil
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}
