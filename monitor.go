package coil

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/text/unicode/norm"
)

// Monitor is a line-oriented console for poking at a live kernel over
// TCP: list tasks, inspect what they wait on, cancel them. Connection
// goroutines never touch kernel state directly; every command travels
// through a UniversalQueue into a daemon task that answers from kernel
// context.
type Monitor struct {
	kernel *Kernel
	ln     net.Listener
	queue  *UniversalQueue
}

type monitorRequest struct {
	line  string
	reply chan string
}

var (
	monHeader = color.New(color.FgCyan, color.Bold)
	monErr    = color.New(color.FgRed)
)

// startMonitor opens the console listener and installs the bridge task.
func startMonitor(k *Kernel, addr string) (*Monitor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: monitor listen %s: %v", ErrKernel, addr, err)
	}
	queue, err := NewUniversalQueue()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	m := &Monitor{kernel: k, ln: ln, queue: queue}
	k.addTask(m.serve, WithDaemon(), WithName("monitor"))
	go m.acceptLoop()
	return m, nil
}

// Addr returns the address the monitor listens on.
func (m *Monitor) Addr() string { return m.ln.Addr().String() }

func (m *Monitor) stop() {
	_ = m.ln.Close()
	_ = m.queue.Shutdown()
}

// serve is the kernel-side bridge task: it answers console commands with
// exclusive access to the task table.
func (m *Monitor) serve(t *Task) (any, error) {
	for {
		item, err := m.queue.Get(t)
		if err != nil {
			return nil, nil // shutdown or cancellation; either way we are done
		}
		req, ok := item.(*monitorRequest)
		if !ok {
			continue
		}
		req.reply <- m.handle(t, req.line)
	}
}

func (m *Monitor) handle(t *Task, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "ps":
		return m.ps()
	case "where":
		if len(fields) < 2 {
			return monErr.Sprint("usage: where <taskid>")
		}
		return m.where(fields[1])
	case "cancel":
		if len(fields) < 2 {
			return monErr.Sprint("usage: cancel <taskid>")
		}
		return m.cancel(t, fields[1])
	case "help":
		return "commands: ps, where <id>, cancel <id>, quit"
	default:
		return monErr.Sprintf("unknown command %q (try help)", fields[0])
	}
}

func (m *Monitor) ps() string {
	var b strings.Builder
	tasks := m.kernel.Tasks()
	fmt.Fprintf(&b, "%d task(s), %d non-daemon\n", len(tasks), m.kernel.NumJobs())
	b.WriteString(monHeader.Sprint(monRow("ID", "Name", "State", "Cycles", "Waiting")))
	b.WriteByte('\n')
	for _, t := range tasks {
		b.WriteString(monRow(
			strconv.FormatInt(t.id, 10),
			t.name,
			t.state.String(),
			strconv.FormatInt(t.cycles, 10),
			t.waitLabel,
		))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func monRow(id, name, state, cycles, waiting string) string {
	cols := []struct {
		text  string
		width int
	}{
		{id, 6}, {name, 20}, {state, 12}, {cycles, 8}, {waiting, 18},
	}
	var b strings.Builder
	for _, c := range cols {
		b.WriteString(runewidth.FillRight(runewidth.Truncate(c.text, c.width, "…"), c.width+1))
	}
	return strings.TrimRight(b.String(), " ")
}

func (m *Monitor) where(arg string) string {
	t := m.lookup(arg)
	if t == nil {
		return monErr.Sprintf("no such task %s", arg)
	}
	if t.waitLabel != "" {
		return fmt.Sprintf("task %d: %s (%s)", t.id, t.state, t.waitLabel)
	}
	return fmt.Sprintf("task %d: %s", t.id, t.state)
}

func (m *Monitor) cancel(self *Task, arg string) string {
	t := m.lookup(arg)
	if t == nil {
		return monErr.Sprintf("no such task %s", arg)
	}
	if t == self {
		return monErr.Sprint("refusing to cancel the monitor bridge")
	}
	if _, err := t.CancelNoWait(self); err != nil {
		return monErr.Sprintf("cancel failed: %v", err)
	}
	return fmt.Sprintf("cancelling task %d", t.id)
}

func (m *Monitor) lookup(arg string) *Task {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return nil
	}
	return m.kernel.tasks[id]
}

func (m *Monitor) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.serveConn(conn)
	}
}

func (m *Monitor) serveConn(conn net.Conn) {
	defer conn.Close() //nolint:errcheck // connection teardown
	fmt.Fprintf(conn, "coil monitor; commands: ps, where <id>, cancel <id>, quit\n")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := norm.NFC.String(strings.TrimSpace(scanner.Text()))
		if line == "quit" || line == "exit" {
			return
		}
		req := &monitorRequest{line: line, reply: make(chan string, 1)}
		if err := m.queue.Put(req); err != nil {
			fmt.Fprintf(conn, "monitor shut down\n")
			return
		}
		if resp := <-req.reply; resp != "" {
			fmt.Fprintf(conn, "%s\n", resp)
		}
	}
}
