package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"midiloop/midi"
	"midiloop/sequencer"
	"midiloop/theme"
	"midiloop/widgets"
)

// Player is what the console shows and controls.
type Player interface {
	Stop()
	Status() sequencer.Status
	Updates() <-chan struct{}
}

// DeviceSource reports output ports and hot-plug events.
type DeviceSource interface {
	Devices() []midi.Device
	Events() <-chan midi.DeviceEvent
}

var keys = []widgets.KeyBinding{
	{Key: "s", Desc: "stop"},
	{Key: "q", Desc: "quit"},
}

type Model struct {
	Player  Player
	Devices DeviceSource
	Theme   *theme.Theme
	Addr    string

	status    sequencer.Status
	ports     []midi.Device
	lastEvent string
	stopping  bool
	quitting  bool
}

type UpdateMsg struct{}

type DeviceEventMsg midi.DeviceEvent

// StoppedMsg is delivered once a Stop requested from the console returned.
type StoppedMsg struct{}

func NewModel(player Player, devices DeviceSource, th *theme.Theme, addr string) Model {
	return Model{
		Player:  player,
		Devices: devices,
		Theme:   th,
		Addr:    addr,
		status:  player.Status(),
		ports:   devices.Devices(),
	}
}

func ListenForUpdates(p Player) tea.Cmd {
	return func() tea.Msg {
		<-p.Updates()
		return UpdateMsg{}
	}
}

func ListenForDevices(d DeviceSource) tea.Cmd {
	return func() tea.Msg {
		return DeviceEventMsg(<-d.Events())
	}
}

// stop runs off the UI goroutine: Stop waits for the note-off cleanup.
func stop(p Player) tea.Cmd {
	return func() tea.Msg {
		p.Stop()
		return StoppedMsg{}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		ListenForUpdates(m.Player),
		ListenForDevices(m.Devices),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "s":
			if m.stopping || m.status.State == sequencer.Idle {
				return m, nil
			}
			m.stopping = true
			return m, stop(m.Player)
		}

	case UpdateMsg:
		m.status = m.Player.Status()
		return m, ListenForUpdates(m.Player)

	case StoppedMsg:
		m.stopping = false
		m.status = m.Player.Status()

	case DeviceEventMsg:
		event := midi.DeviceEvent(msg)
		m.ports = m.Devices.Devices()
		m.lastEvent = fmt.Sprintf("%s: %d %s", event.Type, event.Device.Index, event.Device.Name)
		return m, ListenForDevices(m.Devices)
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	headerStyle := lipgloss.NewStyle().Foreground(m.Theme.Accent())
	dimStyle := lipgloss.NewStyle().Foreground(m.Theme.Muted())
	warnStyle := lipgloss.NewStyle().Foreground(m.Theme.Warning())
	fgStyle := lipgloss.NewStyle().Foreground(m.Theme.FG())

	st := m.status
	sym, label := m.Theme.Symbols.Idle, "IDLE"
	switch st.State {
	case sequencer.Playing:
		sym, label = m.Theme.Symbols.Playing, "PLAY"
	case sequencer.Stopping:
		sym, label = m.Theme.Symbols.Stopping, "STOPPING"
	}

	header := fmt.Sprintf("midiloop  %c %s", sym, label)
	if st.State != sequencer.Idle {
		header += fmt.Sprintf("  pass:%d  step:%d/%d", st.Passes+1, st.Position+1, st.Steps)
	}
	if st.Queued {
		header += "  +queued"
	}

	active := -1
	if st.State == sequencer.Playing {
		active = st.Position
	}
	strip := widgets.StepStrip(st.Steps, active,
		m.Theme.Symbols.StepIdle, m.Theme.Symbols.StepActive,
		m.Theme.Muted(), m.Theme.Active())

	var out strings.Builder
	out.WriteString("\n")
	out.WriteString(headerStyle.Render(header))
	out.WriteString("\n\n")
	if st.State != sequencer.Idle {
		out.WriteString(strip)
		out.WriteString("\n\n")
	}

	out.WriteString(fgStyle.Render("outputs"))
	out.WriteString("\n")
	if len(m.ports) == 0 {
		out.WriteString(dimStyle.Render("  none"))
		out.WriteString("\n")
	}
	for _, d := range m.ports {
		fmt.Fprintf(&out, "  %d  %s\n", d.Index, d.Name)
	}

	if st.DispatchErrors > 0 {
		out.WriteString("\n")
		out.WriteString(warnStyle.Render(fmt.Sprintf("dispatch errors: %d", st.DispatchErrors)))
		out.WriteString("\n")
	}
	if m.lastEvent != "" {
		out.WriteString("\n")
		out.WriteString(dimStyle.Render(m.lastEvent))
		out.WriteString("\n")
	}

	out.WriteString("\n")
	help := widgets.RenderKeyHelp(keys)
	if m.Addr != "" {
		help += "  http://" + m.Addr
	}
	out.WriteString(dimStyle.Render(help))

	return out.String()
}
