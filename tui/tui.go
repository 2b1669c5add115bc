package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/telnirc/client/pkg/client"
)

const DefaultMaxLines = 1000

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	colorStyles = map[client.Color]lipgloss.Style{
		client.ColorDefault: lipgloss.NewStyle(),
		client.ColorAlert:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		client.ColorInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		client.ColorNotice:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
)

// Style returns the lipgloss style for a display colour.
func Style(c client.Color) lipgloss.Style {
	if s, ok := colorStyles[c]; ok {
		return s
	}
	return colorStyles[client.ColorDefault]
}

type Options struct {
	// OnInput receives each submitted input line.
	OnInput func(input string)
	// OnQuit runs when the user presses Ctrl+C or Esc.
	OnQuit   func()
	MaxLines int
}

// TUI is the interactive terminal: a header, a scrollback pane and an input
// line.
type TUI struct {
	opts      Options
	viewport  viewport.Model
	textInput textinput.Model
	header    string
	lines     []string
	ready     bool
	width     int
	height    int
}

func New(opts Options) *TUI {
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}
	ti := textinput.New()
	ti.Placeholder = "Type a message or /command..."
	ti.CharLimit = 512
	ti.Width = 50
	ti.Focus()

	return &TUI{
		opts:      opts,
		textInput: ti,
	}
}

func (t *TUI) Init() tea.Cmd {
	return textinput.Blink
}

func (t *TUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if t.opts.OnQuit != nil {
				t.opts.OnQuit()
			}
			return t, tea.Quit

		case tea.KeyEnter:
			input := strings.TrimSpace(t.textInput.Value())
			t.textInput.SetValue("")
			if input != "" && t.opts.OnInput != nil {
				t.opts.OnInput(input)
			}
			if t.ready {
				t.viewport.GotoBottom()
			}
			return t, nil
		}

	case tea.WindowSizeMsg:
		if !t.ready {
			t.viewport = viewport.New(msg.Width, msg.Height-3)
			t.viewport.SetContent(t.renderLines())
			t.ready = true
		} else {
			t.viewport.Width = msg.Width
			t.viewport.Height = msg.Height - 3
		}
		t.width = msg.Width
		t.height = msg.Height
		t.textInput.Width = msg.Width - 4

	case LineMsg:
		t.addLine(msg.render())
		if t.ready {
			// keep the reader's position unless they are following the tail
			wasAtBottom := t.viewport.AtBottom()
			t.viewport.SetContent(t.renderLines())
			if wasAtBottom {
				t.viewport.GotoBottom()
			}
		}
		return t, nil

	case HeaderMsg:
		t.header = string(msg)
		return t, nil
	}

	if t.ready {
		t.viewport, cmd = t.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	t.textInput, cmd = t.textInput.Update(msg)
	cmds = append(cmds, cmd)

	return t, tea.Batch(cmds...)
}

func (t *TUI) View() string {
	if !t.ready {
		return "Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s\n%s",
		titleStyle.Render(t.header),
		t.viewport.View(),
		inputStyle.Render("> "+t.textInput.View()),
		helpStyle.Render("Enter: send • PgUp/PgDn: scroll • Ctrl+C/Esc: quit"),
	)
}

// Lines returns the scrollback.
func (t *TUI) Lines() []string {
	return append([]string(nil), t.lines...)
}

func (t *TUI) addLine(l string) {
	t.lines = append(t.lines, l)
	if len(t.lines) > t.opts.MaxLines {
		t.lines = t.lines[len(t.lines)-t.opts.MaxLines:]
	}
}

func (t *TUI) renderLines() string {
	return strings.Join(t.lines, "\n")
}

// LineMsg is one display line.
type LineMsg struct {
	Time  time.Time
	Text  string
	Color client.Color
}

func (m LineMsg) render() string {
	return m.Time.Format(time.TimeOnly) + " " + Style(m.Color).Render(m.Text)
}

// HeaderMsg replaces the status line.
type HeaderMsg string

// Display implements client.Display for a running program. Messages are
// queued and forwarded by a pump goroutine, so Print and SetHeader never
// wait on the program's event loop.
type Display struct {
	send func(tea.Msg)
	now  func() time.Time

	mu     sync.Mutex
	queue  []tea.Msg
	notify chan struct{}
	done   chan struct{}
	closed sync.Once
}

func NewDisplay(program *tea.Program) *Display {
	return newDisplay(program.Send)
}

func newDisplay(send func(tea.Msg)) *Display {
	d := &Display{
		send:   send,
		now:    time.Now,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.pump()
	return d
}

func (d *Display) Print(text string, color client.Color) {
	d.enqueue(LineMsg{Time: d.now(), Text: text, Color: color})
}

func (d *Display) SetHeader(header string) {
	d.enqueue(HeaderMsg(header))
}

// Close stops the pump. Messages still queued are dropped.
func (d *Display) Close() {
	d.closed.Do(func() { close(d.done) })
}

func (d *Display) enqueue(msg tea.Msg) {
	d.mu.Lock()
	d.queue = append(d.queue, msg)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Display) pump() {
	for {
		select {
		case <-d.done:
			return
		case <-d.notify:
		}
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		for _, msg := range batch {
			d.send(msg)
		}
	}
}

// Writer is an io.Writer that shows each written line in the display.
type Writer struct {
	display client.Display
}

func NewWriter(display client.Display) *Writer {
	return &Writer{display: display}
}

func (w *Writer) Write(p []byte) (n int, err error) {
	msg := strings.TrimSuffix(string(p), "\n")
	if msg != "" {
		w.display.Print(msg, client.ColorDefault)
	}
	return len(p), nil
}

// Start creates the program and its display. The caller runs the program.
func Start(opts Options) (*tea.Program, *Display) {
	p := tea.NewProgram(New(opts), tea.WithAltScreen())
	return p, NewDisplay(p)
}

// Console is a line-oriented client.Display for non-interactive use.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out, now: time.Now}
}

func (c *Console) Print(text string, color client.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, LineMsg{Time: c.now(), Text: text, Color: color}.render())
}

func (c *Console) SetHeader(header string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, titleStyle.Render(header))
}
