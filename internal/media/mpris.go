package media

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	mprisPrefix     = "org.mpris.MediaPlayer2."
	mprisPath       = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisPlayer     = "org.mpris.MediaPlayer2.Player"
	statusPlaying   = "Playing"
	listNamesMethod = "org.freedesktop.DBus.ListNames"
)

// PlayerBus is the subset of MPRIS used to pause and resume players.
type PlayerBus interface {
	ListPlayers() ([]string, error)
	PlaybackStatus(player string) (string, error)
	Pause(player string) error
	Play(player string) error
}

// MPRIS pauses playing media players while recording and resumes exactly the
// players it paused afterwards. Bus errors are logged and never returned.
type MPRIS struct {
	bus    PlayerBus
	logger zerolog.Logger

	mu     sync.Mutex
	paused []string
}

// NewMPRIS connects to the session bus.
func NewMPRIS(logger zerolog.Logger) (*MPRIS, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return NewMPRISWith(&dbusPlayers{conn: conn}, logger), nil
}

// NewMPRISWith creates a controller over bus.
func NewMPRISWith(bus PlayerBus, logger zerolog.Logger) *MPRIS {
	return &MPRIS{bus: bus, logger: logger}
}

func (m *MPRIS) OnRecordingStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = m.paused[:0]

	players, err := m.bus.ListPlayers()
	if err != nil {
		m.logger.Debug().Err(err).Msg("Could not list media players")
		return nil
	}

	for _, player := range players {
		status, err := m.bus.PlaybackStatus(player)
		if err != nil || status != statusPlaying {
			continue
		}
		if err := m.bus.Pause(player); err != nil {
			m.logger.Warn().Err(err).Str("player", player).Msg("Failed to pause media player")
			continue
		}
		m.logger.Info().Str("player", player).Msg("Paused media player")
		m.paused = append(m.paused, player)
	}
	return nil
}

func (m *MPRIS) OnRecordingStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, player := range m.paused {
		if err := m.bus.Play(player); err != nil {
			m.logger.Warn().Err(err).Str("player", player).Msg("Failed to resume media player")
			continue
		}
		m.logger.Info().Str("player", player).Msg("Resumed media player")
	}
	m.paused = m.paused[:0]
	return nil
}

// Paused returns the players paused by the last recording start.
func (m *MPRIS) Paused() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.paused...)
}

// Close releases the bus connection, if any.
func (m *MPRIS) Close() error {
	if c, ok := m.bus.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

type dbusPlayers struct {
	conn *dbus.Conn
}

func (d *dbusPlayers) ListPlayers() ([]string, error) {
	var names []string
	if err := d.conn.BusObject().Call(listNamesMethod, 0).Store(&names); err != nil {
		return nil, err
	}
	var players []string
	for _, name := range names {
		if strings.HasPrefix(name, mprisPrefix) {
			players = append(players, name)
		}
	}
	sort.Strings(players)
	return players, nil
}

func (d *dbusPlayers) PlaybackStatus(player string) (string, error) {
	v, err := d.conn.Object(player, mprisPath).GetProperty(mprisPlayer + ".PlaybackStatus")
	if err != nil {
		return "", err
	}
	status, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected PlaybackStatus type %s", v.Signature())
	}
	return status, nil
}

func (d *dbusPlayers) Pause(player string) error {
	return d.conn.Object(player, mprisPath).Call(mprisPlayer+".Pause", 0).Err
}

func (d *dbusPlayers) Play(player string) error {
	return d.conn.Object(player, mprisPath).Call(mprisPlayer+".Play", 0).Err
}

func (d *dbusPlayers) Close() error {
	return d.conn.Close()
}
