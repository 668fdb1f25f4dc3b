package eventlog

import (
	"log/slog"

	"github.com/quietloop/planloop/eventbus"
)

// Sink subscribes to every Event Bus publication and appends it to a DB.
// A write failure is logged and dropped — the event log is an observer,
// never a dependency the orchestrator waits on or retries against.
type Sink struct {
	db     *DB
	logger *slog.Logger
	unsub  eventbus.Unsubscribe
}

// Attach opens dbPath and wires a Sink to bus. Call Close to stop
// recording and release the database handle.
func Attach(bus *eventbus.Bus, logger *slog.Logger, dbPath string) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Sink{db: db, logger: logger}
	s.unsub = bus.SubscribeAll(s.record)
	return s, nil
}

func (s *Sink) record(e eventbus.Event) {
	if err := s.db.Append(e); err != nil {
		s.logger.Warn("eventlog: failed to record event", "type", e.Type, "error", err)
	}
}

// Close unsubscribes from the bus and closes the database.
func (s *Sink) Close() error {
	if s.unsub != nil {
		s.unsub()
	}
	return s.db.Close()
}
