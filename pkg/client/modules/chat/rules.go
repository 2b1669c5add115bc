package chat

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/telnirc/client/pkg/client"
)

// event is one parsed inbound line.
type event struct {
	line string
	msg  ircmsg.Message
	// nick is the nickname part of the message source, if any.
	nick string
}

// rule is one entry of the ordered dispatch table. The first rule whose
// match returns true handles the line; later rules are not consulted.
type rule struct {
	name   string
	match  func(m *Module, ev event) bool
	handle func(m *Module, ev event)
}

func defaultRules() []rule {
	return []rule{
		{name: "privmsg", match: isPrivmsg, handle: (*Module).onPrivmsg},
		{name: "welcome", match: isWelcome, handle: (*Module).onWelcome},
		{name: "nick-in-use", match: isNickInUse, handle: (*Module).onNickInUse},
		{name: "ping", match: isPing, handle: (*Module).onPing},
		{name: "join", match: isOwnJoin, handle: (*Module).onJoin},
		{name: "nick", match: isOwnNick, handle: (*Module).onNick},
		{name: "cap-ls", match: isCapLS, handle: (*Module).onCapLS},
		{name: "cap-ack", match: isCapAck, handle: (*Module).onCapAck},
	}
}

func isPrivmsg(_ *Module, ev event) bool {
	return ev.msg.Source != "" && ev.msg.Command == "PRIVMSG"
}

func isWelcome(m *Module, ev event) bool {
	return ev.msg.Source != "" && ev.msg.Command == "001" &&
		len(ev.msg.Params) > 0 && ev.msg.Params[0] != m.nickname
}

func isNickInUse(_ *Module, ev event) bool {
	return ev.msg.Source != "" && ev.msg.Command == "433"
}

func isPing(_ *Module, ev event) bool {
	return strings.HasPrefix(ev.line, "PING ")
}

func isOwnJoin(m *Module, ev event) bool {
	return ev.msg.Command == "JOIN" && ev.nick == m.nickname &&
		len(ev.msg.Params) > 0 && strings.HasPrefix(ev.msg.Params[0], "#")
}

func isOwnNick(m *Module, ev event) bool {
	return ev.msg.Command == "NICK" && ev.nick == m.nickname && len(ev.msg.Params) > 0
}

// isCapLS matches a single-line capability listing.
func isCapLS(m *Module, ev event) bool {
	return m.opts.UseCAP && ev.msg.Source != "" && ev.msg.Command == "CAP" &&
		len(ev.msg.Params) == 3 && ev.msg.Params[1] == "LS"
}

func isCapAck(_ *Module, ev event) bool {
	return ev.msg.Source != "" && ev.msg.Command == "CAP" &&
		len(ev.msg.Params) >= 2 && ev.msg.Params[1] == "ACK"
}

func (m *Module) onPrivmsg(ev event) {
	color := client.ColorInfo
	if strings.Contains(ev.line, m.nickname) {
		color = client.ColorAlert
	}
	m.client.Print("-> "+ev.line, color)

	if len(ev.msg.Params) < 2 {
		return
	}
	if sub := ctcpPattern.FindStringSubmatch(ev.msg.Params[1]); sub != nil {
		switch sub[1] {
		case "VERSION":
			m.client.SendData("NOTICE " + ev.nick + " :\x01" + ctcpVersion + "\x01")
			return
		case "PING":
			m.client.SendData("NOTICE " + ev.nick + " :\x01PING" + sub[2] + "\x01")
			return
		}
	}

	// only direct messages move the buffer
	if ev.msg.Params[0] != m.nickname || !strings.Contains(ev.msg.Source, "!") {
		return
	}
	m.setBuffer(ev.nick, "Current buffer updated to user: ")
}

func (m *Module) onWelcome(ev event) {
	m.setNickname(ev.msg.Params[0])
}

func (m *Module) onNickInUse(event) {
	nick, err := m.nextNick()
	if err != nil {
		m.client.Logger.Warn().Err(err).Msg("nickname collision")
		m.client.Print("Nickname in use and cannot be extended. Choose another with /n.", client.ColorAlert)
		return
	}
	m.client.SendData("NICK " + nick)
	m.nickname = nick
	m.client.Print("Nickname in use. Changed to: "+nick, client.ColorDefault)
	m.updateHeader()
}

func (m *Module) onPing(ev event) {
	m.client.SendData("PONG " + ev.line[len("PING "):])
}

func (m *Module) onJoin(ev event) {
	m.setBuffer(ev.msg.Params[0], "Current buffer updated to channel: ")
}

func (m *Module) onNick(ev event) {
	m.setNickname(ev.msg.Params[0])
}

func (m *Module) onCapLS(ev event) {
	m.client.SendData("CAP REQ :" + ev.msg.Params[2])
}

func (m *Module) onCapAck(event) {
	m.client.SendData("CAP END")
}
