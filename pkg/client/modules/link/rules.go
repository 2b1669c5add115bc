package link

import "github.com/telnirc/client/pkg/client"

type rule struct {
	name   string
	match  func(m *Module, params []string) bool
	handle func(m *Module, params []string)
}

func defaultRules() []rule {
	return []rule{
		{name: "server", match: isServer, handle: (*Module).onServer},
		{name: "end-of-burst", match: isEndOfBurst, handle: (*Module).onEndOfBurst},
		{name: "ping", match: isPing, handle: (*Module).onPing},
	}
}

// SERVER <name> <hops> <boot> <link> <proto> <YYXXX> <modes> :<desc>
func isServer(_ *Module, p []string) bool {
	return len(p) > 7 && p[0] == "SERVER" && len(p[6]) >= ServerNumericLen
}

func isEndOfBurst(m *Module, p []string) bool {
	return len(p) > 1 && p[1] == "EB" && m.uplinkYY != "" && p[0] == m.uplinkYY
}

// <YY> G <origin> <target> <timestamp>
func isPing(_ *Module, p []string) bool {
	return len(p) > 4 && p[1] == "G"
}

func (m *Module) onServer(p []string) {
	m.uplinkName = p[1]
	m.uplinkYY = p[6][:ServerNumericLen]
	m.client.Print("Uplink Name: "+m.uplinkName, client.ColorNotice)
	m.client.Print("Uplink YY: "+m.uplinkYY, client.ColorNotice)
	m.client.Logger.Info().Str("uplink", m.uplinkName).Str("numeric", m.uplinkYY).Msg("uplink registered")
	m.updateHeader()
}

func (m *Module) onEndOfBurst([]string) {
	m.client.SendData(m.serverYY + " EB")
	m.client.SendData(m.serverYY + " EA")
	m.bursted = true
	m.client.Print("Burst completed.", client.ColorNotice)
}

func (m *Module) onPing(p []string) {
	m.client.SendData(m.serverYY + " Z " + p[0] + " " + p[2] + " " + p[4] + " 0 " + p[4])
}
