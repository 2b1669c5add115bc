package chat

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telnirc/client/pkg/client"
)

type line struct {
	text  string
	color client.Color
}

type recordingDisplay struct {
	mu     sync.Mutex
	lines  []line
	header string
}

func (d *recordingDisplay) Print(text string, color client.Color) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, line{text, color})
}

func (d *recordingDisplay) SetHeader(h string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.header = h
}

func (d *recordingDisplay) find(text string) (line, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.lines {
		if l.text == text {
			return l, true
		}
	}
	return line{}, false
}

func newTestModule(opts Options) (*Module, *client.Client, *recordingDisplay) {
	m := New(opts)
	m.digits = func(n int) string { return strings.Repeat("7", n) }
	c := client.New(m)
	d := &recordingDisplay{}
	c.Display = d
	return m, c, d
}

func TestAttachRegistration(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "full",
			opts: Options{Password: "secret", Nickname: "bob", Username: "robert", UseCAP: true},
			want: []string{"PASS :secret\r\n", "CAP LS\r\n", "NICK bob\r\n", "USER robert 0 * :bob\r\n"},
		},
		{
			name: "minimal",
			opts: Options{Nickname: "bob"},
			want: []string{"NICK bob\r\n", "USER bob 0 * :bob\r\n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c, d := newTestModule(tt.opts)
			m.Attach()
			require.Equal(t, tt.want, c.Pending())
			require.Equal(t, "telnIRC  nick:bob  buffer:", d.header)
		})
	}
}

func TestPingReply(t *testing.T) {
	m, c, d := newTestModule(Options{Nickname: "bob"})
	require.True(t, m.Parse("PING :irc.example.net"))
	require.Equal(t, []string{"PONG :irc.example.net\r\n"}, c.Pending())

	got, ok := d.find("-> PING :irc.example.net")
	require.True(t, ok)
	require.Equal(t, client.ColorDefault, got.color)
}

func TestNickInUsePadsThenRejects(t *testing.T) {
	m, c, d := newTestModule(Options{Nickname: "bob"})
	m.digits = randomDigits

	require.True(t, m.Parse(":irc.example.net 433 * bob :Nickname is already in use"))
	nick := m.Nickname()
	require.Len(t, nick, MaxNickLen)
	require.True(t, strings.HasPrefix(nick, "bob"))
	for _, r := range nick[3:] {
		require.True(t, r >= '0' && r <= '9', "non-digit suffix in %q", nick)
	}
	require.Equal(t, []string{"NICK " + nick + "\r\n"}, c.Pending())

	require.True(t, m.Parse(":irc.example.net 433 * "+nick+" :Nickname is already in use"))
	require.Equal(t, nick, m.Nickname())
	require.Len(t, c.Pending(), 1, "second collision must not send")

	_, ok := d.find("Nickname in use and cannot be extended. Choose another with /n.")
	require.True(t, ok)
}

func TestNextNickTooLong(t *testing.T) {
	m, _, _ := newTestModule(Options{Nickname: "abcdefghijkl"})
	_, err := m.nextNick()
	require.ErrorIs(t, err, ErrNickTooLong)
}

func TestDirectMessageSetsBuffer(t *testing.T) {
	m, c, d := newTestModule(Options{Nickname: "bob"})
	require.True(t, m.Parse(":alice!a@host PRIVMSG bob :hi there"))
	require.Equal(t, "alice", m.Buffer())
	require.Empty(t, c.Pending())
	require.Equal(t, "telnIRC  nick:bob  buffer:alice", d.header)

	got, ok := d.find("-> :alice!a@host PRIVMSG bob :hi there")
	require.True(t, ok)
	require.Equal(t, client.ColorAlert, got.color)
}

func TestChannelMessageKeepsBuffer(t *testing.T) {
	m, _, d := newTestModule(Options{Nickname: "bob"})
	require.True(t, m.Parse(":carol!c@host PRIVMSG #go :hello all"))
	require.Empty(t, m.Buffer())

	got, ok := d.find("-> :carol!c@host PRIVMSG #go :hello all")
	require.True(t, ok)
	require.Equal(t, client.ColorInfo, got.color)
}

func TestCTCP(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"version", ":alice!a@host PRIVMSG bob :\x01VERSION\x01", "NOTICE alice :\x01VERSION telnIRC - theRealIRC\x01\r\n"},
		{"ping", ":alice!a@host PRIVMSG bob :\x01PING 1736027261\x01", "NOTICE alice :\x01PING 1736027261\x01\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c, _ := newTestModule(Options{Nickname: "bob"})
			require.True(t, m.Parse(tt.line))
			require.Equal(t, []string{tt.want}, c.Pending())
			require.Empty(t, m.Buffer(), "CTCP must not move the buffer")
		})
	}
}

func TestWelcomeUpdatesNick(t *testing.T) {
	m, _, _ := newTestModule(Options{Nickname: "bob"})
	require.False(t, m.Parse(":irc.example.net 001 bob :Welcome"))
	require.True(t, m.Parse(":irc.example.net 001 bob_ :Welcome"))
	require.Equal(t, "bob_", m.Nickname())
}

func TestOwnJoinAndNick(t *testing.T) {
	m, _, _ := newTestModule(Options{Nickname: "bob"})

	require.False(t, m.Parse(":carol!c@host JOIN #go"))
	require.Empty(t, m.Buffer())

	require.True(t, m.Parse(":bob!b@host JOIN #go"))
	require.Equal(t, "#go", m.Buffer())

	require.True(t, m.Parse(":bob!b@host NICK :bobby"))
	require.Equal(t, "bobby", m.Nickname())

	require.False(t, m.Parse(":bob!b@host JOIN #rust"), "old nickname no longer matches")
	require.True(t, m.Parse(":bobby!b@host JOIN #rust"))
	require.Equal(t, "#rust", m.Buffer())
}

func TestCapNegotiation(t *testing.T) {
	m, c, _ := newTestModule(Options{Nickname: "bob", UseCAP: true})
	require.True(t, m.Parse(":irc.example.net CAP * LS :multi-prefix sasl"))
	require.True(t, m.Parse(":irc.example.net CAP bob ACK :multi-prefix sasl"))
	require.Equal(t, []string{"CAP REQ :multi-prefix sasl\r\n", "CAP END\r\n"}, c.Pending())

	m, c, _ = newTestModule(Options{Nickname: "bob"})
	require.False(t, m.Parse(":irc.example.net CAP * LS :multi-prefix"))
	require.Empty(t, c.Pending())
}

func TestUnmatchedLineIsShown(t *testing.T) {
	m, c, d := newTestModule(Options{Nickname: "bob"})
	require.False(t, m.Parse(":irc.example.net 372 bob :- message of the day"))
	require.Empty(t, c.Pending())
	_, ok := d.find("-> :irc.example.net 372 bob :- message of the day")
	require.True(t, ok)
}

func TestOnCommand(t *testing.T) {
	tests := []struct {
		input  string
		buffer string
		want   []string
	}{
		{"/j #go", "", []string{"JOIN #go"}},
		{"/w alice", "", []string{"WHOIS alice"}},
		{"/r MODE bob +i", "", []string{"MODE bob +i"}},
		{"/n robert", "", []string{"NICK robert"}},
		{"/n thisnickistoolong", "", nil},
		{"/msg alice hi there", "", []string{"PRIVMSG alice :hi there"}},
		{"hello", "#go", []string{"PRIVMSG #go :hello"}},
		{"/unknown thing", "#go", []string{"PRIVMSG #go :/unknown thing"}},
		{"hello", "", nil},
		{"", "#go", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, c, _ := newTestModule(Options{Nickname: "bob"})
			m.buffer = tt.buffer
			m.OnCommand(tt.input)

			var got []string
			for _, f := range c.Pending() {
				got = append(got, strings.TrimSuffix(f, "\r\n"))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBufferCommands(t *testing.T) {
	m, c, d := newTestModule(Options{Nickname: "bob"})

	m.OnCommand("hello")
	_, ok := d.find("No current buffer set. Please join a channel, set a buffer, or receive a direct message first.")
	require.True(t, ok)

	m.OnCommand("/b #go")
	require.Equal(t, "#go", m.Buffer())

	m.OnCommand("/cb")
	_, ok = d.find("Current Buffer: #go")
	require.True(t, ok)

	m.OnCommand("/msg alice hey")
	require.Equal(t, "alice", m.Buffer())

	m.OnCommand("/p #go")
	require.Empty(t, m.Buffer())
	require.Equal(t, []string{"PRIVMSG alice :hey\r\n", "PART #go\r\n"}, c.Pending())
}

func TestQuitCommand(t *testing.T) {
	m, c, _ := newTestModule(Options{Nickname: "bob"})
	m.OnCommand("/q")
	require.Equal(t, []string{"QUIT :Leaving...\r\n"}, c.Pending())
	require.ErrorIs(t, c.Err(), client.ErrQuit)

	m, c, _ = newTestModule(Options{Nickname: "bob"})
	m.OnCommand("/q see you")
	require.Equal(t, []string{"QUIT :see you\r\n"}, c.Pending())
}

func TestHelpListsDirectives(t *testing.T) {
	m, c, d := newTestModule(Options{Nickname: "bob"})
	m.OnCommand("/h")
	require.Empty(t, c.Pending())
	_, ok := d.find("/cb              - Show the current buffer")
	require.True(t, ok)
}

func TestPingSplitAcrossReads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	pongs := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_, _ = conn.Write([]byte("PING :a"))
		time.Sleep(30 * time.Millisecond)
		_, _ = conn.Write([]byte("bc\r\n"))

		var got []string
		r := bufio.NewReader(conn)
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				break
			}
			if strings.HasPrefix(l, "PONG") {
				got = append(got, l)
			}
		}
		pongs <- got
	}()

	m := New(Options{Nickname: "bob"})
	c := client.New(m)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, c.Connect(testContext(t), "127.0.0.1", port, client.TLSConfig{}))
	m.Attach()
	require.NoError(t, c.Start(testContext(t)))
	defer c.Close()

	select {
	case got := <-pongs:
		require.Equal(t, []string{"PONG :abc\r\n"}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply from client")
	}
}

func TestBanner(t *testing.T) {
	m := New(Options{Nickname: "bob"})
	assert.Contains(t, m.Banner(), "telnIRC")
}
