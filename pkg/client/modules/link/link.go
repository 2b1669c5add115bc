package link

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/telnirc/client/pkg/client"
)

const (
	ModuleName = "link"

	DefaultNumeric     = 51
	DefaultServerName  = "telnerv.undernet.org"
	DefaultDescription = "telnERV"
	DefaultModes       = "+i"

	defaultSquit = "Leaving..."
)

type Options struct {
	Password    string
	Numeric     uint64
	ServerName  string
	Description string
}

// Module simulates a P10 server linking to an uplink: it registers, answers
// the end of burst and liveness probes, and introduces clients on request.
type Module struct {
	client *client.Client
	opts   Options
	now    func() time.Time

	mu         sync.Mutex
	serverYY   string
	uplinkName string
	uplinkYY   string
	clients    uint64
	bursted    bool

	rules []rule
}

func New(opts Options) *Module {
	if opts.ServerName == "" {
		opts.ServerName = DefaultServerName
	}
	if opts.Description == "" {
		opts.Description = DefaultDescription
	}
	return &Module{
		opts:     opts,
		now:      time.Now,
		serverYY: IntToBase64(opts.Numeric, ServerNumericLen),
		rules:    defaultRules(),
	}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(c *client.Client) { m.client = c }

// From retrieves the link module from a client.
func From(c *client.Client) *Module {
	mod, _ := c.Module().(*Module)
	return mod
}

func (m *Module) Banner() string {
	return client.BoxBanner("telnERV")
}

// ServerNumeric returns our two-symbol server numeric.
func (m *Module) ServerNumeric() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverYY
}

// Uplink returns the uplink name and numeric once its SERVER line was seen.
func (m *Module) Uplink() (name, numeric string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uplinkName, m.uplinkYY
}

// Bursted reports whether the burst exchange has completed.
func (m *Module) Bursted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bursted
}

// Attach queues PASS and the SERVER registration line.
func (m *Module) Attach() {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.client
	c.Print("My YY: "+m.serverYY, client.ColorNotice)

	ts := m.timestamp()
	c.SendData("PASS :" + m.opts.Password)
	c.SendData(fmt.Sprintf("SERVER %s 0 %s %s J10 %s]]] + :%s", m.opts.ServerName, ts, ts, m.serverYY, m.opts.Description))
	m.updateHeader()
}

func (m *Module) Detach() {
	m.client.Stop()
}

// Parse runs the first matching rule for line. Every line is shown on the
// display.
func (m *Module) Parse(line string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.client.Print("-> "+line, client.ColorDefault)

	params := strings.Fields(line)
	for _, r := range m.rules {
		if r.match(m, params) {
			m.client.Logger.Debug().Str("rule", r.name).Msg("dispatch")
			r.handle(m, params)
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
		for _, l := range []string{
			"Available Commands:",
			"/h                              - Show this help message",
			"/r message                      - Send raw message directly to the uplink",
			"/sq [msg]                       - Squits",
			"/n <nick> <user> <host> [modes] - Bursts a new client",
		} {
			c.Print(l, client.ColorDefault)
		}
	case strings.HasPrefix(input, "/r ") && len(input) > 3:
		c.SendData(input[3:])
	case strings.HasPrefix(input, "/n "):
		args := strings.Fields(input[3:])
		switch {
		case len(args) > 3:
			m.burstClient(args[0], args[1], args[2], args[3])
		case len(args) == 3:
			m.burstClient(args[0], args[1], args[2], DefaultModes)
		default:
			c.Print("Usage: /n <nick> <user> <host> [modes]", client.ColorNotice)
		}
	case input == "/sq" || strings.HasPrefix(input, "/sq "):
		reason := strings.TrimSpace(strings.TrimPrefix(input, "/sq"))
		if reason == "" {
			reason = defaultSquit
		}
		c.SendData(m.serverYY + " SQ " + m.uplinkName + " :" + reason)
		c.Shutdown(client.ErrQuit)
	case input != "":
		c.Print("Unknown command. Type /h for help.", client.ColorNotice)
	}
}

// burstClient introduces a client owned by this server. Client numerics are
// allocated sequentially from AAA.
func (m *Module) burstClient(nick, user, host, modes string) {
	xxx := IntToBase64(m.clients, ClientNumericLen)
	m.clients++

	ts := m.timestamp()
	m.client.SendData(fmt.Sprintf("%s N %s %s %s %s %s %s AAAAA %s%s :%s client",
		m.serverYY, nick, ts, ts, user, host, modes, m.serverYY, xxx, m.opts.Description))
	m.client.Print(fmt.Sprintf("Bursted client %s!%s@%s", nick, user, host), client.ColorAlert)
}

func (m *Module) timestamp() string {
	return strconv.FormatInt(m.now().Unix(), 10)
}

func (m *Module) updateHeader() {
	m.client.SetHeader(fmt.Sprintf("telnERV  %s [%s]  uplink:%s [%s]", m.opts.ServerName, m.serverYY, m.uplinkName, m.uplinkYY))
}
