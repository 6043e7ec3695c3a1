package binlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a Streamer: connection settings plus every
// consumer-facing option (position/auto-positioning mode, filtering,
// schema-cache behavior, heartbeat).
type Config struct {
	Addr, User, Password string
	Charset              string // default utf8mb4
	ServerID             uint32
	ResumeStream         bool
	Blocking             bool
	LogFile              string
	LogPos               uint32
	AutoPosition         *GTIDSet
	OnlyEvents           []EventType
	IgnoredEvents        []EventType
	FilterNonImplemented bool
	OnlyTables           []string
	OnlySchemas          []string
	FreezeSchema         bool
	HeartbeatPeriod      time.Duration
}

func (cfg Config) charset() string {
	if cfg.Charset != "" {
		return cfg.Charset
	}
	return "utf8mb4"
}

func (cfg Config) dsn() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/?charset=%s", cfg.User, cfg.Password, cfg.Addr, cfg.charset())
}

type streamState int

const (
	stateDisconnected streamState = iota
	stateConnecting
	stateDumping
	stateClosed
)

// Row is one changed row carried by a WriteRows/UpdateRows/DeleteRows
// event. ValuesBeforeUpdate is only populated for UpdateRows.
type Row struct {
	Values             []interface{}
	ValuesBeforeUpdate []interface{}
}

// RowsResult is the fully materialized form of a RowsEvent: by the time
// Next returns it, every row has already been pulled off the wire (the
// framing leaves no other choice, and filtering by schema/table needs the
// table identity up front anyway).
type RowsResult struct {
	Schema, Table string
	Columns       []Column
	PrimaryKey    []Column // subset of Columns the schema loader marked PrimaryKey
	Rows          []Row
}

// Streamer drives a single binlog dump session end to end: connecting,
// issuing the dump request, decoding events, filtering them, and
// reconnecting on transient I/O errors while preserving position.
//
// disconnected -> connecting -> dumping -> [reconnecting]* -> closed
type Streamer struct {
	cfg    Config
	filter *filter
	log    *logrus.Entry

	state streamState
	bl    *Remote
	ctrl  *SchemaLoader

	logFile string
	logPos  uint32
	gtid    *GTIDSet
}

// NewStreamer constructs a Streamer. Call Open before Next.
func NewStreamer(cfg Config) *Streamer {
	return &Streamer{
		cfg:    cfg,
		filter: newFilter(cfg),
		log:    logrus.WithField("component", "binlog.Streamer"),
		state:  stateDisconnected,
	}
}

// Open establishes the stream and control connections, detects checksum
// capability, and issues the dump request. At most one of
// (Config.LogFile, Config.LogPos) vs Config.AutoPosition may be set; with
// neither, the dump starts at the position SHOW MASTER STATUS reports.
func (s *Streamer) Open(ctx context.Context) error {
	if s.cfg.LogFile != "" && s.cfg.AutoPosition != nil {
		return errors.New("binlog: Config: at most one of (LogFile, LogPos) or AutoPosition may be set")
	}
	s.state = stateConnecting
	s.logFile, s.logPos, s.gtid = s.cfg.LogFile, s.cfg.LogPos, s.cfg.AutoPosition

	ctrl, err := NewSchemaLoader(s.cfg.dsn(), s.cfg.FreezeSchema)
	if err != nil {
		s.state = stateDisconnected
		return err
	}
	s.ctrl = ctrl

	if err := s.connect(ctx); err != nil {
		s.state = stateDisconnected
		return err
	}
	s.state = stateDumping
	return nil
}

func (s *Streamer) connect(ctx context.Context) error {
	bl, err := Dial("tcp", s.cfg.Addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("binlog: connect: %w", err)
	}
	if err := bl.Authenticate(s.cfg.User, s.cfg.Password); err != nil {
		bl.Close()
		return fmt.Errorf("binlog: connect: %w", err)
	}
	bl.SetNonBlocking(!s.cfg.Blocking)
	s.bl = bl

	if s.gtid != nil {
		if err := s.bl.SeekGTID(s.cfg.ServerID, s.gtid); err != nil {
			return fmt.Errorf("binlog: dump request: %w", err)
		}
	} else {
		if s.logFile == "" {
			file, pos, err := s.bl.MasterStatus()
			if err != nil {
				return fmt.Errorf("binlog: SHOW MASTER STATUS: %w", err)
			}
			s.logFile, s.logPos = file, pos
		}
		pos := s.logPos
		if !s.cfg.ResumeStream {
			pos = 4
		}
		if err := s.bl.Seek(s.cfg.ServerID, s.logFile, pos); err != nil {
			return fmt.Errorf("binlog: dump request: %w", err)
		}
	}

	if s.cfg.HeartbeatPeriod > 0 {
		if err := s.bl.SetHeartbeatPeriod(s.cfg.HeartbeatPeriod.Nanoseconds()); err != nil {
			return fmt.Errorf("binlog: heartbeat setup: %w", err)
		}
	}
	return nil
}

// Close releases both connections. Idempotent.
func (s *Streamer) Close() error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	var err error
	if s.bl != nil {
		err = s.bl.Close()
	}
	if s.ctrl != nil {
		if cerr := s.ctrl.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Position reports the current log file and position, as last set by a
// Rotate event or an event header. In auto-position mode a reconnect still
// resumes from Config.AutoPosition, not from this position; callers that
// need GTID position should track Gtid events themselves.
func (s *Streamer) Position() (logFile string, logPos uint32) {
	return s.logFile, s.logPos
}

// Next blocks until an event passes the filter, or returns an error.
// Transient I/O errors (connection lost, server gone away) are handled
// internally by reconnecting at the last known position; any other error
// is fatal and Next should not be called again.
func (s *Streamer) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		default:
		}

		ev, err := s.bl.NextEvent()
		if err != nil {
			if err == io.EOF {
				return Event{}, io.EOF
			}
			if !isTransientErr(err) {
				return Event{}, err
			}
			s.log.WithFields(logrus.Fields{
				"log_file": s.logFile,
				"log_pos":  s.logPos,
			}).WithError(err).Warn("binlog connection lost, reconnecting")
			if rerr := s.reconnect(ctx); rerr != nil {
				return Event{}, rerr
			}
			continue
		}

		switch data := ev.Data.(type) {
		case RotateEvent:
			s.logFile = data.NextBinlog
			s.logPos = uint32(data.Position)
		case TableMapEvent:
			if s.ctrl != nil {
				if tme := s.bl.tmeCache[data.tableID]; tme != nil {
					if err := s.ctrl.Load(tme); err != nil {
						return Event{}, fmt.Errorf("binlog: schema loader: %w", err)
					}
				}
			}
		}
		if ev.Header.NextPos != 0 {
			s.logPos = ev.Header.NextPos
		}

		schema, table := eventSchemaTable(ev)
		if !s.filter.deliver(ev.Header.EventType, schema, table) {
			continue
		}

		if re, ok := ev.Data.(RowsEvent); ok {
			rr, err := s.materializeRows(re)
			if err != nil {
				return Event{}, err
			}
			ev.Data = rr
		}
		return ev, nil
	}
}

func (s *Streamer) materializeRows(re RowsEvent) (RowsResult, error) {
	rr := RowsResult{
		Schema:     re.TableMap.SchemaName,
		Table:      re.TableMap.TableName,
		Columns:    re.Columns(),
		PrimaryKey: re.PrimaryKeyColumns(),
	}
	for {
		values, before, err := s.bl.NextRow()
		if err == io.EOF {
			return rr, nil
		}
		if err != nil {
			return rr, err
		}
		rr.Rows = append(rr.Rows, Row{Values: values, ValuesBeforeUpdate: before})
	}
}

func eventSchemaTable(ev Event) (schema, table string) {
	switch data := ev.Data.(type) {
	case TableMapEvent:
		return data.SchemaName, data.TableName
	case RowsEvent:
		// Next's only caller always passes this before materializeRows
		// replaces ev.Data with a RowsResult, so this, not RowsResult,
		// is what a WriteRows/UpdateRows/DeleteRows event looks like here.
		return data.TableMap.SchemaName, data.TableMap.TableName
	case QueryEvent:
		return data.Schema, ""
	}
	return "", ""
}

func (s *Streamer) reconnect(ctx context.Context) error {
	s.state = stateConnecting
	if s.bl != nil {
		s.bl.Close()
	}
	if err := s.connect(ctx); err != nil {
		s.state = stateDisconnected
		return err
	}
	s.state = stateDumping
	return nil
}

// isTransientErr matches spec.md's transient set: connection lost (2013)
// and server gone away (2006), surfaced either as a MySQL error packet or
// as the underlying net.Conn simply dying.
func isTransientErr(err error) bool {
	var ep *errPacket
	if errors.As(err, &ep) {
		return ep.isTransient()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
