package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var topAddrFlag string

func init() {
	topCmd.Flags().StringVar(&topAddrFlag, "addr", "127.0.0.1:48802", "monitor console address")
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live task table for a kernel's monitor console",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isTerminal(os.Stdout) {
			return fmt.Errorf("top needs a terminal")
		}
		conn, err := net.DialTimeout("tcp", topAddrFlag, 3*time.Second)
		if err != nil {
			return fmt.Errorf("connect monitor %s: %w", topAddrFlag, err)
		}
		defer conn.Close() //nolint:errcheck // connection teardown
		model := newTopModel(conn, topAddrFlag)
		program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
		_, err = program.Run()
		return err
	},
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

type psMsg struct {
	rows []table.Row
	err  error
}

type tickMsg time.Time

type topModel struct {
	conn   net.Conn
	reader *bufio.Reader
	addr   string
	table  table.Model
	err    error
}

var topFrame = lipgloss.NewStyle().
	BorderStyle(lipgloss.NormalBorder()).
	BorderForeground(lipgloss.Color("6")).
	Padding(0, 1)

func newTopModel(conn net.Conn, addr string) *topModel {
	reader := bufio.NewReader(conn)
	// Swallow the banner line.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = reader.ReadString('\n')
	columns := []table.Column{
		{Title: "ID", Width: 6},
		{Title: "Name", Width: 20},
		{Title: "State", Width: 12},
		{Title: "Cycles", Width: 8},
		{Title: "Waiting", Width: 18},
	}
	tbl := table.New(table.WithColumns(columns), table.WithHeight(16))
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("6"))
	tbl.SetStyles(styles)
	return &topModel{conn: conn, reader: reader, addr: addr, table: tbl}
}

func (m *topModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// fetch asks the monitor for the task table and parses the reply. The
// console protocol has no terminator, so a short read deadline doubles
// as the end-of-table marker.
func (m *topModel) fetch() tea.Msg {
	if _, err := fmt.Fprintf(m.conn, "ps\n"); err != nil {
		return psMsg{err: err}
	}
	var rows []table.Row
	_ = m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		line, err := m.reader.ReadString('\n')
		if err != nil {
			break
		}
		line = ansiEscape.ReplaceAllString(strings.TrimRight(line, "\r\n"), "")
		fields := splitColumns(line)
		if len(fields) == 0 || fields[0] == "ID" {
			continue
		}
		row := make(table.Row, 5)
		for i := 0; i < 5; i++ {
			if i < len(fields) {
				row[i] = fields[i]
			}
		}
		rows = append(rows, row)
	}
	return psMsg{rows: rows}
}

func splitColumns(line string) []string {
	raw := strings.Fields(line)
	return raw
}

func (m *topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetch, tick())
	case psMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.table.SetRows(msg.rows)
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *topModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Render("coil top — " + m.addr)
	help := lipgloss.NewStyle().Faint(true).Render("q: quit")
	return title + "\n" + topFrame.Render(m.table.View()) + "\n" + help + "\n"
}
