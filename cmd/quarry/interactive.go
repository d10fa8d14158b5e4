package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/quarrydb/quarry"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	echoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type shellModel struct {
	rt     *quarry.Runtime
	conn   *quarry.Conn
	dbPath string

	input   textinput.Model
	view    viewport.Model
	log     []string
	pending []string
	history []string
	histPos int
	busy    bool
	ready   bool
}

type execDoneMsg struct {
	echo     string
	rendered string
	err      error
}

type openDoneMsg struct {
	path string
	conn *quarry.Conn
	err  error
}

func newShellModel(rt *quarry.Runtime, conn *quarry.Conn, dbPath string) *shellModel {
	ti := textinput.New()
	ti.Prompt = "sql> "
	ti.Placeholder = "SELECT 1;"
	ti.Focus()
	return &shellModel{
		rt:     rt,
		conn:   conn,
		dbPath: dbPath,
		input:  ti,
		log:    []string{helpStyle.Render("end statements with ; or type .help for commands"), ""},
	}
}

func (m *shellModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *shellModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		const chrome = 3 // title, input, help line
		height := msg.Height - chrome
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.view = viewport.New(msg.Width, height)
			m.view.SetContent(strings.Join(m.log, "\n"))
			m.ready = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = height
		}
		m.view.GotoBottom()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.quit()

		case "ctrl+d":
			if m.input.Value() == "" && len(m.pending) == 0 {
				return m, m.quit()
			}

		case "esc":
			m.pending = nil
			m.input.SetValue("")
			m.input.Prompt = "sql> "
			return m, nil

		case "pgup":
			m.view.SetYOffset(m.view.YOffset - m.view.Height)
			return m, nil

		case "pgdown":
			m.view.SetYOffset(m.view.YOffset + m.view.Height)
			return m, nil

		case "up":
			if m.histPos > 0 {
				m.histPos--
				m.input.SetValue(m.history[m.histPos])
				m.input.CursorEnd()
			}
			return m, nil

		case "down":
			if m.histPos < len(m.history) {
				m.histPos++
				if m.histPos == len(m.history) {
					m.input.SetValue("")
				} else {
					m.input.SetValue(m.history[m.histPos])
					m.input.CursorEnd()
				}
			}
			return m, nil

		case "enter":
			return m, m.submit()
		}

	case execDoneMsg:
		m.busy = false
		m.append(echoStyle.Render(msg.echo))
		if msg.rendered != "" {
			m.append(msg.rendered)
		}
		if msg.err != nil {
			m.append(errorStyle.Render("Error: " + msg.err.Error()))
		}
		m.append("")
		return m, nil

	case openDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.conn = nil
			m.append(errorStyle.Render("Error: " + msg.err.Error()))
		} else {
			m.conn = msg.conn
			m.dbPath = msg.path
			m.append(okStyle.Render("opened " + msg.path))
		}
		m.append("")
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *shellModel) append(lines ...string) {
	for _, l := range lines {
		m.log = append(m.log, strings.Split(l, "\n")...)
	}
	if m.ready {
		m.view.SetContent(strings.Join(m.log, "\n"))
		m.view.GotoBottom()
	}
}

func (m *shellModel) quit() tea.Cmd {
	ctx := context.Background()
	if m.conn != nil {
		_ = m.conn.Close(ctx)
		m.conn = nil
	}
	_ = m.rt.Close(ctx)
	return tea.Quit
}

func (m *shellModel) submit() tea.Cmd {
	if m.busy {
		return nil
	}
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return nil
	}
	m.history = append(m.history, m.input.Value())
	m.histPos = len(m.history)
	m.input.SetValue("")

	if strings.HasPrefix(line, ".") && len(m.pending) == 0 {
		return m.runMeta(line)
	}

	// Statements accumulate until a line ends with a semicolon.
	m.pending = append(m.pending, line)
	if !strings.HasSuffix(line, ";") {
		m.input.Prompt = "...> "
		return nil
	}
	sql := strings.Join(m.pending, "\n")
	m.pending = nil
	m.input.Prompt = "sql> "
	m.busy = true
	return m.execSQL(sql)
}

func (m *shellModel) runMeta(line string) tea.Cmd {
	fields := strings.Fields(line)
	switch fields[0] {
	case ".quit", ".exit":
		return m.quit()

	case ".help":
		m.append(echoStyle.Render(line))
		m.append(helpStyle.Render(strings.Join([]string{
			".help         show this help",
			".open PATH    close the current database and open PATH",
			".tables       list tables and views",
			".quit         exit the shell",
		}, "\n")))
		m.append("")
		return nil

	case ".tables":
		m.busy = true
		return m.execSQL("SELECT name FROM sqlite_master WHERE type IN ('table', 'view') ORDER BY name;")

	case ".open":
		if len(fields) < 2 {
			m.append(errorStyle.Render("usage: .open PATH"))
			m.append("")
			return nil
		}
		m.busy = true
		return m.openDB(fields[1])

	default:
		m.append(errorStyle.Render(fmt.Sprintf("unknown command %s (try .help)", fields[0])))
		m.append("")
		return nil
	}
}

func (m *shellModel) execSQL(sql string) tea.Cmd {
	conn := m.conn
	return func() tea.Msg {
		if conn == nil {
			return execDoneMsg{echo: sql, err: fmt.Errorf("no database open (try .open)")}
		}
		rendered, err := renderSQL(context.Background(), conn, sql)
		return execDoneMsg{echo: sql, rendered: rendered, err: err}
	}
}

func (m *shellModel) openDB(path string) tea.Cmd {
	rt, old := m.rt, m.conn
	m.conn = nil
	return func() tea.Msg {
		ctx := context.Background()
		if old != nil {
			_ = old.Close(ctx)
		}
		conn, err := rt.Open(ctx, path, quarry.OpenReadWrite, quarry.OpenCreate)
		if err != nil {
			return openDoneMsg{path: path, err: err}
		}
		return openDoneMsg{path: path, conn: conn}
	}
}

// renderSQL executes every statement in sql and renders the results for the
// shell log. Queries become aligned column tables; statements without result
// columns render a short acknowledgement.
func renderSQL(ctx context.Context, c *quarry.Conn, sql string) (string, error) {
	var parts []string
	for strings.TrimSpace(sql) != "" {
		stmt, tail, err := c.Prepare(ctx, sql)
		if err != nil {
			return strings.Join(parts, "\n"), err
		}
		sql = tail
		if stmt == nil {
			continue
		}
		part, err := renderStmt(ctx, stmt)
		if cerr := stmt.Close(ctx); err == nil {
			err = cerr
		}
		if part != "" {
			parts = append(parts, part)
		}
		if err != nil {
			return strings.Join(parts, "\n"), err
		}
	}
	return strings.Join(parts, "\n"), nil
}

func renderStmt(ctx context.Context, stmt *quarry.Stmt) (string, error) {
	cols, err := stmt.ColumnCount(ctx)
	if err != nil {
		return "", err
	}
	if cols == 0 {
		if _, err := stmt.Step(ctx); err != nil {
			return "", err
		}
		return okStyle.Render("ok"), nil
	}

	names := make([]string, cols)
	for i := range names {
		if names[i], err = stmt.ColumnName(ctx, i); err != nil {
			return "", err
		}
	}
	var rows [][]string
	for {
		row, err := stmt.Step(ctx)
		if err != nil {
			return "", err
		}
		if !row {
			break
		}
		fields := make([]string, cols)
		for i := range fields {
			v, err := stmt.ColumnValue(ctx, i)
			if err != nil {
				return "", err
			}
			fields[i] = v.String()
		}
		rows = append(rows, fields)
	}
	return renderTable(names, rows), nil
}

func renderTable(names []string, rows [][]string) string {
	widths := make([]int, len(names))
	for i, n := range names {
		widths[i] = lipgloss.Width(n)
	}
	for _, row := range rows {
		for i, f := range row {
			if w := lipgloss.Width(f); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(headerStyle.Render(pad(n, widths[i])))
	}
	b.WriteString("\n")
	for i, w := range widths {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(helpStyle.Render(strings.Repeat("-", w)))
	}
	for _, row := range rows {
		b.WriteString("\n")
		for i, f := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(pad(f, widths[i]))
		}
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(fmt.Sprintf("(%d rows)", len(rows))))
	return b.String()
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func (m *shellModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("quarry"))
	b.WriteString(" ")
	b.WriteString(m.dbPath)
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.view.View())
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(".help commands • pgup/pgdn scroll • ctrl+c quit"))
	return b.String()
}

func runShell(rt *quarry.Runtime, conn *quarry.Conn, dbPath string) error {
	p := tea.NewProgram(newShellModel(rt, conn, dbPath), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
