package chat

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/telnirc/client/pkg/client"
)

const (
	ModuleName = "chat"

	// MaxNickLen is the longest nickname the module will send.
	MaxNickLen = 12

	defaultQuit = "Leaving..."
	ctcpVersion = "VERSION telnIRC - theRealIRC"
)

var ErrNickTooLong = errors.New("chat: nickname too long")

var ctcpPattern = regexp.MustCompile(`\x01([^\s]+)(.*)\x01`)

type Options struct {
	Password string
	Nickname string
	Username string
	// UseCAP enables IRCv3 capability negotiation at registration.
	UseCAP bool
}

// Module is an interactive IRC client session: it tracks the held nickname
// and the current buffer (the default target for plain input).
type Module struct {
	client *client.Client
	opts   Options

	mu       sync.Mutex
	nickname string
	buffer   string

	digits func(n int) string
	rules  []rule
}

func New(opts Options) *Module {
	if opts.Username == "" {
		opts.Username = opts.Nickname
	}
	return &Module{
		opts:     opts,
		nickname: opts.Nickname,
		digits:   randomDigits,
		rules:    defaultRules(),
	}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(c *client.Client) { m.client = c }

// From retrieves the chat module from a client.
func From(c *client.Client) *Module {
	mod, _ := c.Module().(*Module)
	return mod
}

func (m *Module) Banner() string {
	return client.BoxBanner("telnIRC")
}

// Nickname returns the nickname currently held.
func (m *Module) Nickname() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nickname
}

// Buffer returns the current target for plain input, or "" if none is set.
func (m *Module) Buffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}

// Attach queues the registration sequence: PASS, CAP LS, NICK, USER.
func (m *Module) Attach() {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.client
	if m.opts.Password != "" {
		c.SendData("PASS :" + m.opts.Password)
	}
	if m.opts.UseCAP {
		c.SendData("CAP LS")
	}
	c.SendData("NICK " + m.nickname)
	c.SendData("USER " + m.opts.Username + " 0 * :" + m.nickname)
	m.updateHeader()
}

func (m *Module) Detach() {
	m.client.Stop()
}

// Parse runs the first matching rule for line. Every line is shown on the
// display; private messages are highlighted when they mention the nickname.
func (m *Module) Parse(line string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		m.client.Print("-> "+line, client.ColorDefault)
		m.client.Logger.Debug().Err(err).Str("line", line).Msg("unparsable line")
		return false
	}

	ev := event{line: line, msg: msg, nick: sourceNick(msg.Source)}
	if !isPrivmsg(m, ev) {
		m.client.Print("-> "+line, client.ColorDefault)
	}
	for _, r := range m.rules {
		if r.match(m, ev) {
			m.client.Logger.Debug().Str("rule", r.name).Str("command", msg.Command).Msg("dispatch")
			r.handle(m, ev)
			return true
		}
	}
	return false
}

// OnCommand interprets one line of local input.
func (m *Module) OnCommand(input string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.client
	switch {
	case input == "/h":
		m.help()
	case input == "/cb":
		c.Print("Current Buffer: "+m.buffer, client.ColorNotice)
	case hasArg(input, "/j "):
		c.SendData("JOIN " + input[3:])
	case hasArg(input, "/w "):
		c.SendData("WHOIS " + input[3:])
	case hasArg(input, "/p "):
		c.SendData("PART " + input[3:])
		m.setBuffer("", "")
	case hasArg(input, "/r "):
		c.SendData(input[3:])
	case input == "/q" || strings.HasPrefix(input, "/q "):
		reason := strings.TrimSpace(strings.TrimPrefix(input, "/q"))
		if reason == "" {
			reason = defaultQuit
		}
		c.SendData("QUIT :" + reason)
		c.Shutdown(client.ErrQuit)
	case hasArg(input, "/n "):
		nick := input[3:]
		if len(nick) > MaxNickLen {
			c.Print(fmt.Sprintf("Nickname too long. Please use %d characters or fewer.", MaxNickLen), client.ColorAlert)
			return
		}
		c.SendData("NICK " + nick)
	case hasArg(input, "/msg "):
		target, text, ok := strings.Cut(input[5:], " ")
		if !ok {
			c.Print("Usage: /msg <target> <message>", client.ColorNotice)
			return
		}
		c.SendData("PRIVMSG " + target + " :" + text)
		m.setBuffer(target, "Current buffer updated to: ")
	case strings.HasPrefix(input, "/b "):
		m.buffer = input[3:]
		c.Print("Current buffer set to: "+m.buffer, client.ColorNotice)
		m.updateHeader()
	case input != "":
		if m.buffer == "" {
			c.Print("No current buffer set. Please join a channel, set a buffer, or receive a direct message first.", client.ColorNotice)
			return
		}
		c.SendData("PRIVMSG " + m.buffer + " :" + input)
	}
}

// setBuffer changes the current buffer, announcing the change when
// announce is non-empty. Callers hold m.mu.
func (m *Module) setBuffer(target, announce string) {
	if m.buffer == target {
		return
	}
	m.buffer = target
	if announce != "" {
		m.client.Print(announce+target, client.ColorNotice)
	}
	m.updateHeader()
}

func (m *Module) setNickname(nick string) {
	m.nickname = nick
	m.client.Print("Nickname updated to: "+nick, client.ColorDefault)
	m.updateHeader()
}

func (m *Module) updateHeader() {
	m.client.SetHeader(fmt.Sprintf("telnIRC  nick:%s  buffer:%s", m.nickname, m.buffer))
}

func (m *Module) help() {
	for _, l := range []string{
		"Available Commands:",
		"/j #channel      - Join a channel",
		"/p #channel      - Part from a channel",
		"/r message       - Send raw message directly to the server",
		"/q message       - Quits with the specified message",
		"/n newnick       - Change your nickname",
		"/w nickname      - Whois a nickname",
		"/msg user msg    - Send a private message to a user or channel (updates the current buffer)",
		"/b user/channel  - Set the current buffer to a user or channel",
		"/cb              - Show the current buffer",
		"/h               - Show this help message",
	} {
		m.client.Print(l, client.ColorDefault)
	}
}

// nextNick derives a replacement for a nickname that is in use by padding it
// with random digits to MaxNickLen.
func (m *Module) nextNick() (string, error) {
	if len(m.nickname) >= MaxNickLen {
		return "", fmt.Errorf("%w: %q is already %d characters", ErrNickTooLong, m.nickname, len(m.nickname))
	}
	return m.nickname + m.digits(MaxNickLen-len(m.nickname)), nil
}

func hasArg(input, prefix string) bool {
	return strings.HasPrefix(input, prefix) && len(input) > len(prefix)
}

func sourceNick(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

func randomDigits(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rand.Intn(10)))
	}
	return b.String()
}
