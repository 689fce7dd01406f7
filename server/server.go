// Package server wires the store, cache, extensions, console and panel into
// one process serving SSH, HTTP and the control socket.
package server

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/cache"
	"github.com/carfigures/carfigures/console"
	"github.com/carfigures/carfigures/crypto"
	"github.com/carfigures/carfigures/extension"
	"github.com/carfigures/carfigures/metrics"
	"github.com/carfigures/carfigures/packages"
	"github.com/carfigures/carfigures/panel"
	"github.com/carfigures/carfigures/storage"
	"github.com/carfigures/carfigures/structs"
	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	gossh "golang.org/x/crypto/ssh"
)

const (
	EnvPrefix       = "CARFIGURESBOT_"
	SettingsFile    = "config.yml"
	ControlSocket   = "control.sock"
	ExtensionsDir   = "extensions"
	privateKeyFile  = "private.pem"
	publicKeyFile   = "public.ssh"
	processLogFile  = "carfigures.log"
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	SSHAddr       string        `env:"SSH_ADDR"`
	HTTPAddr      string        `env:"HTTP_ADDR"`
	Dir           string        `env:"DIR"`
	StaticDir     string        `env:"STATIC_DIR"`
	Channels      []string      `env:"CHANNELS" envSeparator:","`
	ScriptTimeout time.Duration `env:"SCRIPT_TIMEOUT"`
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT"`
	HostKeyBits   int           `env:"HOST_KEY_BITS"`
}

func DefaultConfig() Config {
	return Config{
		SSHAddr:       "127.0.0.1:15000",
		HTTPAddr:      "127.0.0.1:8080",
		Dir:           filepath.Join(os.Getenv("HOME"), ".carfigures"),
		Channels:      []string{"general", "spawns"},
		ScriptTimeout: 2 * time.Second,
		IdleTimeout:   time.Hour,
		HostKeyBits:   4096,
	}
}

// FromEnv overrides c with the CARFIGURESBOT_ prefixed environment variables
// that are set.
func (c *Config) FromEnv() error {
	return carfigures.WithStack(env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}))
}

// OpenProcessLog returns a rotating log file in dir.
func OpenProcessLog(dir string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, processLogFile),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

type Server struct {
	config   Config
	settings *structs.Settings
	store    *storage.Storage
	cache    *cache.Store
	registry *extension.Registry
	console  *console.Console
	panel    *panel.Panel
	metrics  *metrics.Metrics
	signer   gossh.Signer

	mu      sync.Mutex
	ssh     *ssh.Server
	http    *http.Server
	control net.Listener
	closed  bool
}

// New opens the store in config.Dir, loads every extension and builds the
// first cache generation.
func New(ctx context.Context, config Config) (*Server, error) {
	if err := os.MkdirAll(filepath.Join(config.Dir, ExtensionsDir), 0700); err != nil {
		return nil, carfigures.WithStack(err)
	}
	settings, err := structs.LoadSettings(filepath.Join(config.Dir, SettingsFile))
	if err != nil {
		return nil, err
	}
	channels := config.Channels
	if len(settings.Channels) > 0 {
		channels = settings.Channels
	}

	hostKey := crypto.HostKey{
		PrivKeyPath:   filepath.Join(config.Dir, privateKeyFile),
		SSHPubKeyPath: filepath.Join(config.Dir, publicKeyFile),
		Bits:          config.HostKeyBits,
	}
	if err := hostKey.Ensure(); err != nil {
		return nil, err
	}
	pemBytes, err := os.ReadFile(hostKey.PrivKeyPath)
	if err != nil {
		return nil, carfigures.WithStack(err)
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, carfigures.WithStack(err)
	}

	store, err := storage.New(ctx, config.Dir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   config,
		settings: settings,
		store:    store,
		cache:    cache.New(store),
		metrics:  metrics.New(),
		signer:   signer,
	}
	builtins := &packages.Env{
		Cache:      s.cache,
		Counter:    store,
		Appearance: settings.Appearance,
	}
	opts := append(packages.Options(builtins),
		extension.WithScriptDir(filepath.Join(config.Dir, ExtensionsDir)),
		extension.WithConsole(log.Writer()),
	)
	if config.ScriptTimeout > 0 {
		opts = append(opts, extension.WithScriptTimeout(config.ScriptTimeout))
	}
	s.registry = extension.New(opts...)
	builtins.Extensions = s.registry

	s.console = console.New(console.Options{
		Registry:   s.registry,
		Cache:      s.cache,
		Store:      store,
		Hub:        console.NewHub(settings.Appearance, channels...),
		Metrics:    s.metrics,
		Appearance: settings.Appearance,
		Owners:     settings.Owners,
	})
	startup := carfigures.MakeMainContext(ctx)
	s.console.LoadExtensions(startup)
	if _, err := s.console.RefreshCache(startup); err != nil {
		store.Close()
		return nil, err
	}
	s.console.ReloadTree()

	var panelOpts []panel.Option
	if config.StaticDir != "" {
		panelOpts = append(panelOpts, panel.WithStatic(config.StaticDir))
	}
	s.panel = panel.New(store, s.metrics, panelOpts...)

	log.Printf("Loaded %d extensions, %d cars cached, host key %q",
		len(s.registry.Loaded()), s.cache.Generation().Len(), gossh.FingerprintSHA256(signer.PublicKey()))
	return s, nil
}

func (s *Server) Storage() *storage.Storage {
	return s.store
}

func (s *Server) ControlPath() string {
	return filepath.Join(s.config.Dir, ControlSocket)
}

// Start listens on the configured addresses and serves until Close.
func (s *Server) Start(ctx context.Context) error {
	sshLn, err := net.Listen("tcp", s.config.SSHAddr)
	if err != nil {
		return carfigures.WithStack(err)
	}
	httpLn, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		sshLn.Close()
		return carfigures.WithStack(err)
	}
	log.Printf("Listening for SSH on %q and HTTP on %q", sshLn.Addr(), httpLn.Addr())
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s.StartWithListeners(sshLn, httpLn)
}

// StartWithListeners serves SSH and HTTP on the given listeners and the
// control socket in the data dir. It returns when all of them stopped; if
// one fails the others are closed.
func (s *Server) StartWithListeners(sshLn, httpLn net.Listener) error {
	if err := os.Remove(s.ControlPath()); err != nil && !os.IsNotExist(err) {
		return carfigures.WithStack(err)
	}
	controlLn, err := net.Listen("unix", s.ControlPath())
	if err != nil {
		return carfigures.WithStack(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		controlLn.Close()
		return errors.New("server closed")
	}
	s.ssh = &ssh.Server{
		Handler:         s.console.HandleSession,
		PasswordHandler: s.console.Authenticator().PasswordHandler,
		IdleTimeout:     s.config.IdleTimeout,
	}
	s.ssh.AddHostKey(s.signer)
	s.http = &http.Server{
		Handler:           s.panel,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.control = controlLn
	s.mu.Unlock()

	eg := &errgroup.Group{}
	serve := func(f func() error) {
		eg.Go(func() error {
			if err := f(); err != nil {
				s.Close()
				return carfigures.WithStack(err)
			}
			return nil
		})
	}
	serve(func() error {
		if err := s.ssh.Serve(sshLn); !errors.Is(err, ssh.ErrServerClosed) {
			return err
		}
		return nil
	})
	serve(func() error {
		if err := s.http.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	serve(func() error {
		return s.serveControl(controlLn)
	})
	return eg.Wait()
}

// Close stops every listener and closes the store.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.ssh != nil {
		s.ssh.Close()
	}
	if s.http != nil {
		s.http.Shutdown(ctx)
	}
	if s.control != nil {
		s.control.Close()
	}
	return s.store.Close()
}
