package ipc

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog"

	"github.com/pushlean/voice-keyboard-linux/internal/observability"
)

const (
	BusName       = "com.voicekeyboard.App"
	ObjectPath    = dbus.ObjectPath("/com/voicekeyboard/Control")
	InterfaceName = "com.voicekeyboard.Control"

	activeChangedSignal = InterfaceName + ".ActiveChanged"
)

// dbusControl is the object exported on the bus. Method names are the D-Bus
// member names.
type dbusControl struct {
	ctrl   Controls
	logger zerolog.Logger
}

func (d *dbusControl) Toggle() (bool, *dbus.Error) {
	active := d.ctrl.Toggle("dbus")
	d.logger.Info().Bool("active", active).Msg("D-Bus toggle")
	return active, nil
}

func (d *dbusControl) IsActive() (bool, *dbus.Error) {
	return d.ctrl.IsActive(), nil
}

func (d *dbusControl) SetActive(active bool) (bool, *dbus.Error) {
	d.logger.Info().Bool("active", active).Msg("D-Bus set_active")
	return d.ctrl.SetActive(active, "dbus"), nil
}

func (d *dbusControl) Cancel() (bool, *dbus.Error) {
	wasActive := cancel(d.ctrl, "dbus")
	d.logger.Info().Bool("was_active", wasActive).Msg("D-Bus cancel")
	return wasActive, nil
}

// DBusService exposes the controller on the session bus.
type DBusService struct {
	ctrl   Controls
	logger zerolog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

func NewDBusService(ctrl Controls, logger zerolog.Logger) *DBusService {
	return &DBusService{ctrl: ctrl, logger: logger}
}

// Start connects to the session bus, exports the control object and claims
// the well-known name.
func (s *DBusService) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	obj := &dbusControl{ctrl: s.ctrl, logger: s.logger}
	if err := conn.Export(obj, ObjectPath, InterfaceName); err != nil {
		conn.Close()
		return fmt.Errorf("failed to export control object: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(introspectNode(obj)), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return fmt.Errorf("failed to export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return fmt.Errorf("bus name %s already taken", BusName)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info().Str("name", BusName).Msg("D-Bus service started")
	s.logger.Info().Msgf("Toggle: dbus-send --session --type=method_call --dest=%s %s %s.Toggle", BusName, ObjectPath, InterfaceName)
	s.logger.Info().Msgf("Cancel: dbus-send --session --type=method_call --dest=%s %s %s.Cancel", BusName, ObjectPath, InterfaceName)
	return nil
}

// NotifyActive emits ActiveChanged. It is a no-op before Start.
func (s *DBusService) NotifyActive(active bool) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Emit(ObjectPath, activeChangedSignal, active); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to emit ActiveChanged")
		observability.RecordError(observability.ErrorTransport, "dbus")
	}
}

func (s *DBusService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func introspectNode(obj *dbusControl) *introspect.Node {
	return &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    InterfaceName,
				Methods: introspect.Methods(obj),
				Signals: []introspect.Signal{
					{Name: "ActiveChanged", Args: []introspect.Arg{{Name: "active", Type: "b"}}},
				},
			},
		},
	}
}
