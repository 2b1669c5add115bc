package client

import "strings"

// Module is a pluggable protocol handler. Exactly one module drives a client;
// it is chosen once at startup.
type Module interface {
	// Name returns a unique key for this module (e.g. "chat", "link").
	Name() string
	// Init is called once when the module is bound to a client.
	// Store the *Client reference for later use.
	Init(c *Client)
	// Attach queues the module's registration sequence. It is called after
	// Connect and may run before the TLS handshake has completed; the lines
	// are flushed once the transport is established.
	Attach()
	// Detach stops the client's background loop. No sends happen after it returns.
	Detach()
	// OnCommand interprets one line of local input.
	OnCommand(input string)
	// Parse interprets one inbound line (without CRLF) and reports whether
	// any of the module's rules matched. Unmatched lines are not an error.
	Parse(line string) bool
	// Banner returns the text shown before the session starts.
	Banner() string
}

// Color tags a display line.
type Color int

const (
	ColorDefault Color = iota
	ColorAlert
	ColorInfo
	ColorNotice
)

func (c Color) String() string {
	switch c {
	case ColorAlert:
		return "alert"
	case ColorInfo:
		return "info"
	case ColorNotice:
		return "notice"
	default:
		return "default"
	}
}

// Display receives formatted lines and status-line updates.
// Implementations must not block: both methods are called from the
// background loop while module state is locked.
type Display interface {
	Print(text string, color Color)
	SetHeader(header string)
}

// LineLog is an append-only sink for raw protocol lines.
type LineLog interface {
	Append(line string)
}

type nopDisplay struct{}

func (nopDisplay) Print(string, Color) {}
func (nopDisplay) SetHeader(string)    {}

type nopLineLog struct{}

func (nopLineLog) Append(string) {}

// BoxBanner frames title in the startup box shown before a session starts.
func BoxBanner(title string) string {
	const width = 38
	edge := strings.Repeat("#", width)
	blank := "#" + strings.Repeat(" ", width-2) + "#"
	left := 12
	right := max(width-2-left-len(title), 0)
	line := "#" + strings.Repeat(" ", left) + title + strings.Repeat(" ", right) + "#"
	return strings.Join([]string{edge, blank, line, blank, edge}, "\n")
}
