package helpers

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/rs/zerolog"

	"github.com/telnirc/client/pkg/client"
	"github.com/telnirc/client/pkg/client/modules/chat"
	"github.com/telnirc/client/pkg/client/modules/link"
	"github.com/telnirc/client/pkg/config"
	"github.com/telnirc/client/pkg/logging"
	"github.com/telnirc/client/tui"
)

const (
	DefaultConfigFile = "config.toml"
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 4400

	ChatSection = "telnIRC"
	LinkSection = "telnERV"
)

var ErrMode = errors.New("exactly one of -c or -s is required")

// Flags holds the command line flags.
type Flags struct {
	ConfigFile  string
	Chat        bool
	Server      bool
	Interactive bool
	Verbose     bool
}

// RegisterFlags registers the standard CLI flags on the default flag set.
func RegisterFlags(f *Flags) {
	RegisterFlagSet(flag.CommandLine, f)
}

func RegisterFlagSet(fs *flag.FlagSet, f *Flags) {
	fs.StringVar(&f.ConfigFile, "f", DefaultConfigFile, "config file (.toml, .yaml)")
	fs.BoolVar(&f.Chat, "c", false, "run the IRC client (telnIRC)")
	fs.BoolVar(&f.Server, "s", false, "run the P10 server link (telnERV)")
	fs.BoolVar(&f.Interactive, "i", false, "full-screen interactive terminal")
	fs.BoolVar(&f.Verbose, "v", false, "verbose logging")
}

func (f Flags) Validate() error {
	if f.Chat == f.Server {
		return ErrMode
	}
	return nil
}

// Session is a configured client and module, ready to connect.
type Session struct {
	Client *client.Client
	Module client.Module

	Host string
	Port int
	TLS  client.TLSConfig

	lineLog *logging.LineLog
}

// NewSession loads the config section for the chosen mode and builds the
// module and client.
func NewSession(f Flags, logger zerolog.Logger) (*Session, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	section := ChatSection
	if f.Server {
		section = LinkSection
	}
	cfg, err := config.Load(f.ConfigFile, section)
	if err != nil {
		return nil, err
	}

	var mod client.Module
	if f.Server {
		mod = newLinkModule(cfg)
	} else {
		mod = newChatModule(cfg)
	}

	c := client.New(mod)
	c.Logger = logger
	s := &Session{
		Client: c,
		Module: mod,
		Host:   cfg.String("server_ip", DefaultHost),
		Port:   cfg.Int("port", DefaultPort),
		TLS: client.TLSConfig{
			Enabled:    cfg.Bool("tls", false),
			CAFile:     cfg.String("tls_ca", ""),
			CertFile:   cfg.String("tls_cert", ""),
			KeyFile:    cfg.String("tls_key", ""),
			ServerName: cfg.String("tls_server_name", ""),
		},
	}
	if path := cfg.String("line_log", ""); path != "" {
		s.lineLog = logging.OpenLineLog(path)
		c.LineLog = s.lineLog
	}
	return s, nil
}

func newChatModule(cfg *config.Source) *chat.Module {
	nick := cfg.String("nick", unixUsername())
	return chat.New(chat.Options{
		Password: cfg.String("password", ""),
		Nickname: nick,
		Username: cfg.String("user", nick),
		UseCAP:   cfg.Bool("cap", true),
	})
}

func newLinkModule(cfg *config.Source) *link.Module {
	return link.New(link.Options{
		Password:    cfg.String("password", "password"),
		Numeric:     uint64(cfg.Int("numeric", link.DefaultNumeric)),
		ServerName:  cfg.String("server_name", link.DefaultServerName),
		Description: cfg.String("description", link.DefaultDescription),
	})
}

func unixUsername() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "unknown"
	}
	return u.Username
}

// Run shows the banner, connects, registers and feeds local input to the
// module until the session ends. Input comes from a full-screen terminal
// when interactive is set, otherwise line by line from in.
func Run(ctx context.Context, s *Session, interactive bool, in io.Reader, out io.Writer) error {
	c := s.Client
	defer func() {
		if s.lineLog != nil {
			_ = s.lineLog.Close()
		}
	}()

	if !interactive {
		c.Display = tui.NewConsole(out)
		return run(ctx, s, func() { readInput(c, s.Module, in) })
	}

	program, display := tui.Start(tui.Options{
		OnInput: s.Module.OnCommand,
		OnQuit:  func() { c.Shutdown(client.ErrStopped) },
	})
	defer display.Close()
	c.Display = display
	c.Logger = c.Logger.Output(zerolog.ConsoleWriter{Out: tui.NewWriter(display), NoColor: true, PartsExclude: []string{zerolog.TimestampFieldName}})

	return run(ctx, s, func() {
		go func() {
			<-c.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			c.Shutdown(fmt.Errorf("terminal: %w", err))
			return
		}
		c.Shutdown(client.ErrStopped)
	})
}

func run(ctx context.Context, s *Session, input func()) error {
	c := s.Client
	for _, l := range strings.Split(s.Module.Banner(), "\n") {
		c.Print(l, client.ColorDefault)
	}

	if err := c.Connect(ctx, s.Host, s.Port, s.TLS); err != nil {
		c.Logger.Error().Err(err).Msg("connect failed")
		c.Print(fmt.Sprintf("Error: %v", err), client.ColorAlert)
		return err
	}
	s.Module.Attach()
	if err := c.Start(ctx); err != nil {
		return err
	}

	input()
	<-c.Done()

	s.Module.Detach()
	_ = c.Close()
	c.Print("Program exiting ...", client.ColorDefault)

	cause := c.Err()
	switch {
	case errors.Is(cause, client.ErrQuit),
		errors.Is(cause, client.ErrStopped),
		errors.Is(cause, context.Canceled):
		return nil
	default:
		return cause
	}
}

// readInput feeds lines from in to the module on a separate goroutine and
// returns at once; the session ends through the client's stop signal.
func readInput(c *client.Client, m client.Module, in io.Reader) {
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case <-c.Done():
				return
			default:
			}
			m.OnCommand(sc.Text())
		}
		if err := sc.Err(); err != nil {
			c.Logger.Warn().Err(err).Msg("input closed")
		}
	}()
}

// ExitCode maps a Run error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrMode) || errors.Is(err, config.ErrNotFound) {
		return 2
	}
	return 1
}

// Stderr returns the diagnostic logger used before a display exists.
func Stderr(verbose bool) zerolog.Logger {
	log := logging.New(os.Stderr, logging.ProfileRuntime)
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	}
	return log
}
