// Package console is the operator terminal for the kneader controller.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
)

const (
	refreshInterval = 500 * time.Millisecond
	requestTimeout  = 20 * time.Second
)

// Backend is the controller connection, normally an hmi.Client.
type Backend interface {
	Status(ctx context.Context) (kneader.Status, error)
	Ack(ctx context.Context, cmd kneader.Command) (kneader.Ack, error)
}

type hotkey struct {
	key     string
	command string
	label   string
}

var hotkeys = []hotkey{
	{"f1", "confirm_start", "start"},
	{"f2", "abort", "abort"},
	{"f3", "resume", "resume"},
	{"f4", "complete_abort", "complete abort"},
	{"f5", "cancel", "cancel"},
	{"f6", "reset", "reset"},
	{"f7", "confirm_completion", "done"},
	{"f8", "save_workorder", "save"},
}

type statusMsg struct {
	status kneader.Status
	err    error
}

type ackMsg struct {
	command string
	ack     kneader.Ack
	err     error
}

type tickMsg struct{}

// App is the bubbletea model.
type App struct {
	backend Backend
	input   textinput.Model

	status    kneader.Status
	connected bool
	lastMsg   string
	lastOK    bool
	err       error

	width int
}

func NewApp(backend Backend) *App {
	ti := textinput.New()
	ti.Placeholder = "scan barcode"
	ti.CharLimit = 128
	ti.Focus()

	return &App{
		backend: backend,
		input:   ti,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.fetchStatus())
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		return a, nil

	case statusMsg:
		if msg.err != nil {
			a.connected = false
			a.err = msg.err
		} else {
			a.connected = true
			a.err = nil
			a.status = msg.status
		}
		return a, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })

	case tickMsg:
		return a, a.fetchStatus()

	case ackMsg:
		switch {
		case msg.err != nil:
			a.lastMsg, a.lastOK = fmt.Sprintf("%s: %v", msg.command, msg.err), false
		case msg.ack.Status == "":
			// status answers carry no ack
			a.lastMsg, a.lastOK = msg.command+" ok", true
		default:
			a.lastMsg, a.lastOK = msg.ack.Message, msg.ack.Status == kneader.AckSuccess
		}
		return a, a.fetchStatus()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return a, tea.Quit
		case "enter":
			barcode := strings.TrimSpace(a.input.Value())
			a.input.SetValue("")
			if barcode == "" {
				return a, nil
			}
			return a, a.send(kneader.Command{
				Command: a.scanCommand(),
				Data:    map[string]interface{}{"barcode": barcode},
			})
		}
		for _, hk := range hotkeys {
			if msg.String() == hk.key {
				return a, a.send(kneader.Command{Command: hk.command})
			}
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// scanCommand picks prescan or stage scan from the current state.
func (a *App) scanCommand() string {
	switch a.status.ProcessState {
	case kneader.StatePrescanning, kneader.StatePrescanComplete:
		return "prescan_item"
	}
	return "scan_item"
}

func (a *App) fetchStatus() tea.Cmd {
	backend := a.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := backend.Status(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (a *App) send(cmd kneader.Command) tea.Cmd {
	backend := a.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		ack, err := backend.Ack(ctx, cmd)
		return ackMsg{command: cmd.Command, ack: ack, err: err}
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD787"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F"))
	mixStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
)

func stateStyle(s kneader.ProcessState) lipgloss.Style {
	switch s {
	case kneader.StateError:
		return errStyle
	case kneader.StateAborted, kneader.StateWaitingForLidClose, kneader.StateWaitingForMotorStart:
		return warnStyle
	case kneader.StateMixing:
		return mixStyle
	case kneader.StateProcessComplete:
		return okStyle
	}
	return lipgloss.NewStyle().Bold(true)
}

func liveStyle(s kneader.LiveStatus) lipgloss.Style {
	switch s {
	case kneader.LiveDone:
		return okStyle
	case kneader.LiveMixing:
		return mixStyle
	case kneader.LiveAborted:
		return errStyle
	case kneader.LiveScanned, kneader.LiveReadyToLoad:
		return warnStyle
	}
	return dimStyle
}

func (a *App) View() string {
	var b strings.Builder
	st := a.status

	b.WriteString(titleStyle.Render("KNEADER"))
	b.WriteString("  ")
	if !a.connected {
		b.WriteString(errStyle.Render("disconnected"))
		if a.err != nil {
			b.WriteString(dimStyle.Render("  " + a.err.Error()))
		}
		b.WriteString("\n")
	} else {
		b.WriteString(stateStyle(st.ProcessState).Render(string(st.ProcessState)))
		b.WriteString("\n")
	}

	b.WriteString(boxStyle.Render(a.renderProcess()))
	b.WriteString("\n")

	if st.ErrorMessage != "" {
		b.WriteString(errStyle.Render(st.ErrorMessage) + "\n")
	}
	if st.MotorStartFailedAlert {
		b.WriteString(errStyle.Render("Motor did not start - check the drive") + "\n")
	}
	if a.lastMsg != "" {
		style := errStyle
		if a.lastOK {
			style = okStyle
		}
		b.WriteString(style.Render(a.lastMsg) + "\n")
	}

	b.WriteString(a.input.View() + "\n")
	b.WriteString(dimStyle.Render(helpLine()))
	return b.String()
}

func (a *App) renderProcess() string {
	st := a.status
	if st.WorkorderID == "" {
		return dimStyle.Render("no workorder loaded")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", st.WorkorderID, st.WorkorderName)
	fmt.Fprintf(&b, "lid %s  motor %s", onOff(!st.LidOpen, "closed", "open"), onOff(st.MotorRunning, "running", "stopped"))
	if st.MixingTimeTotal > 0 {
		fmt.Fprintf(&b, "  mixing %.1fs / %.1fs", st.MixingTimeRemaining, st.MixingTimeTotal)
	}
	b.WriteString("\n")

	if p := st.PrescanStatus; p != nil {
		fmt.Fprintf(&b, "prescan %d/%d", p.ScannedCount, p.TotalItems)
		if p.MissingCount > 0 {
			fmt.Fprintf(&b, "  missing: %s", strings.Join(p.MissingItems, ", "))
		}
		b.WriteString("\n")
	}

	for _, step := range st.Steps {
		marker := "  "
		if step.Index == st.CurrentStepIndex && st.ProcessState != kneader.StatePrescanning {
			marker = "> "
		}
		fmt.Fprintf(&b, "%sStep %d/%d (%.0fs)\n", marker, step.Index+1, st.TotalSteps, step.MixTimeSec)
		for _, it := range step.Items {
			fmt.Fprintf(&b, "    %-14s %-20s %s\n", it.ItemID, it.Name, liveStyle(it.LiveStatus).Render(string(it.LiveStatus)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func helpLine() string {
	parts := make([]string, 0, len(hotkeys)+2)
	parts = append(parts, "enter scan")
	for _, hk := range hotkeys {
		parts = append(parts, hk.key+" "+hk.label)
	}
	parts = append(parts, "esc quit")
	return strings.Join(parts, " · ")
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}
