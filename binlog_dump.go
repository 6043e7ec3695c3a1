package binlog

import (
	"fmt"
	"io"
)

// comBinlogDump requests the server start a binlog dump stream.
//
// https://dev.mysql.com/doc/internals/en/com-binlog-dump.html
type comBinlogDump struct {
	binlogPos      uint32
	flags          uint16
	serverID       uint32
	binlogFilename string
}

const comBinlogDumpCmd = 0x12

func (e comBinlogDump) encode(w *writer) error {
	w.int1(comBinlogDumpCmd)
	w.int4(e.binlogPos)
	w.int2(e.flags)
	w.int4(e.serverID)
	w.string(e.binlogFilename)
	return w.err
}

const comBinlogDumpGTIDCmd = 0x1e

// comBinlogDumpGTID requests a binlog dump positioned by a GTID set
// (CLIENT knows everything up to and including this set already).
//
// https://dev.mysql.com/doc/internals/en/com-binlog-dump-gtid.html
type comBinlogDumpGTID struct {
	flags    uint16
	serverID uint32
	gtidSet  *GTIDSet
}

func (e comBinlogDumpGTID) encode(w *writer) error {
	w.int1(comBinlogDumpGTIDCmd)
	w.int2(e.flags)
	w.int4(e.serverID)
	w.int4(0) // binlog-filename-len, always 0: we resume purely by GTID
	w.Write(make([]byte, 8)) // binlog-pos (8 bytes), unused in GTID mode
	data := e.gtidSet.encode()
	w.int4(uint32(len(data)))
	w.Write(data)
	return w.err
}

// Seek positions the connection to start streaming from the given binlog
// file/position and issues COM_BINLOG_DUMP. serverID identifies this client
// to the master (0 means "don't register as a replica", which most servers
// still accept for a one-shot dump but some reject).
func (bl *Remote) Seek(serverID uint32, file string, pos uint32) error {
	checksum, err := bl.fetchBinlogChecksum()
	if err != nil {
		return err
	}
	if checksum == "CRC32" {
		if err := bl.confirmChecksumSupport(); err != nil {
			return err
		}
		bl.checksum = 4
	} else {
		bl.checksum = 0
	}
	var flags uint16
	if bl.nonBlocking {
		flags = 0x01
	}
	return bl.write(comBinlogDump{
		binlogPos:      pos,
		flags:          flags,
		serverID:       serverID,
		binlogFilename: file,
	})
}

// SeekGTID is the GTID-mode equivalent of Seek: the master streams every
// transaction not yet covered by gtidSet.
func (bl *Remote) SeekGTID(serverID uint32, gtidSet *GTIDSet) error {
	checksum, err := bl.fetchBinlogChecksum()
	if err != nil {
		return err
	}
	if checksum == "CRC32" {
		if err := bl.confirmChecksumSupport(); err != nil {
			return err
		}
		bl.checksum = 4
	} else {
		bl.checksum = 0
	}
	return bl.write(comBinlogDumpGTID{
		serverID: serverID,
		gtidSet:  gtidSet,
	})
}

// ListFiles is equivalent to `SHOW BINARY LOGS`.
func (bl *Remote) ListFiles() ([]string, error) {
	rows, err := bl.queryRows(`show binary logs`)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(rows))
	for i, row := range rows {
		files[i] = row[0].(string)
	}
	return files, nil
}

func (bl *Remote) binlogVersion() (uint16, error) {
	sv, err := newServerVersion(bl.hs.serverVersion)
	if err != nil {
		return 0, err
	}
	return sv.binlogVersion(), nil
}

// NextEvent reads and decodes the next event from the dump stream opened by
// Seek/SeekGTID. Every packet-group read from the connection must be fully
// drained before the next one starts, since the wire framing has no
// explicit end marker beyond the declared payload length; if the previous
// event was a RowsEvent whose rows the caller never finished reading via
// NextRow, NextEvent drains the rest for it.
func (bl *Remote) NextEvent() (Event, error) {
	if bl.cur != nil {
		if err := bl.cur.drain(); err != nil {
			return Event{}, err
		}
		bl.cur = nil
	}

	r := newReader(bl.conn, &bl.seq)
	r.checksum = bl.checksum
	r.fde = bl.fde
	r.binlogFile = bl.file
	r.tmeCache = bl.tmeCache

	marker, err := r.peek()
	if err != nil {
		return Event{}, err
	}
	switch marker {
	case okMarker:
		r.int1()
	case errMarker:
		ep := errPacket{}
		if err := ep.decode(r, bl.hs.capabilityFlags); err != nil {
			return Event{}, err
		}
		return Event{}, &ep
	case eofMarker:
		// non-blocking dump caught up to the current end of the binlog.
		if err := r.drain(); err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	default:
		return Event{}, ErrMalformedPacket
	}

	var h EventHeader
	if err := h.decode(r); err != nil {
		return Event{}, err
	}

	if h.EventType != FORMAT_DESCRIPTION_EVENT {
		headerLen := 13
		if r.fde.BinlogVersion > 1 {
			headerLen = 19
		}
		r.limit = int(h.EventSize) - headerLen - r.checksum
	}

	data, err := decodeEventData(r, h)
	if err != nil {
		return Event{}, err
	}

	bl.fde = r.fde
	bl.file = r.binlogFile
	bl.checksum = r.checksum

	if h.EventType.IsWriteRows() || h.EventType.IsUpdateRows() || h.EventType.IsDeleteRows() {
		bl.cur = r // rows still need to be pulled off via NextRow
	} else if err := r.drain(); err != nil {
		return Event{}, err
	}

	return Event{Header: h, Data: data}, nil
}

// NextRow iterates the rows of the RowsEvent most recently returned by
// NextEvent. Returns io.EOF once all rows of that event are consumed; the
// caller should keep calling it until then (or call NextEvent, which drains
// any rows left unread).
func (bl *Remote) NextRow() (values []interface{}, valuesBeforeUpdate []interface{}, err error) {
	if bl.cur == nil {
		return nil, nil, errNoRowsEvent
	}
	values, valuesBeforeUpdate, err = nextRow(bl.cur)
	if err == io.EOF {
		if derr := bl.cur.drain(); derr != nil {
			err = derr
		}
		bl.cur = nil
	}
	return values, valuesBeforeUpdate, err
}

var errNoRowsEvent = fmt.Errorf("binlog: NextRow called with no RowsEvent in progress")

// decodeEventData dispatches on event type, populating reader-local decode
// context (fde, tmeCache, tme, re) as a side effect so later calls on the
// same connection (NextRow, subsequent RowsEvents referencing this table)
// see consistent state.
func decodeEventData(r *reader, h EventHeader) (interface{}, error) {
	typ := h.EventType
	switch typ {
	case FORMAT_DESCRIPTION_EVENT:
		e := FormatDescriptionEvent{}
		if err := e.decode(r, h.EventSize); err != nil {
			return nil, err
		}
		r.fde = e
		return e, nil
	case ROTATE_EVENT:
		e := RotateEvent{}
		if err := e.decode(r); err != nil {
			return nil, err
		}
		r.binlogFile = e.NextBinlog
		r.tmeCache = make(map[uint64]*TableMapEvent)
		return e, nil
	case QUERY_EVENT:
		e := QueryEvent{}
		err := e.decode(r)
		return e, err
	case INTVAR_EVENT:
		e := IntVarEvent{}
		err := e.decode(r)
		return e, err
	case USER_VAR_EVENT:
		e := UserVarEvent{}
		err := e.decode(r)
		return e, err
	case RAND_EVENT:
		e := RandEvent{}
		err := e.decode(r)
		return e, err
	case INCIDENT_EVENT:
		e := IncidentEvent{}
		err := e.decode(r)
		return e, err
	case STOP_EVENT:
		return StopEvent{}, nil
	case HEARTBEAT_EVENT:
		return HeartbeatEvent{}, nil
	case ROWS_QUERY_EVENT:
		e := RowsQueryEvent{}
		err := e.decode(r)
		return e, err
	case XID_EVENT:
		e := XidEvent{}
		err := e.decode(r)
		return e, err
	case GTID_EVENT, ANONYMOUS_GTID_EVENT:
		e := GtidEvent{}
		err := e.decode(r)
		return e, err
	case PREVIOUS_GTIDS_EVENT:
		e := PreviousGTIDsEvent{}
		err := e.decode(r)
		return e, err
	case TABLE_MAP_EVENT:
		e := TableMapEvent{}
		if err := e.decode(r); err != nil {
			return nil, err
		}
		r.tmeCache[e.tableID] = &e
		return e, nil
	case WRITE_ROWS_EVENTv0, WRITE_ROWS_EVENTv1, WRITE_ROWS_EVENTv2,
		UPDATE_ROWS_EVENTv0, UPDATE_ROWS_EVENTv1, UPDATE_ROWS_EVENTv2,
		DELETE_ROWS_EVENTv0, DELETE_ROWS_EVENTv1, DELETE_ROWS_EVENTv2:
		e := RowsEvent{}
		if err := e.decode(r, typ); err != nil {
			return nil, err
		}
		r.re = e
		return e, nil
	default:
		e := NotImplemented{Type: typ}
		err := e.decode(r)
		return e, err
	}
}

func (e *errPacket) Error() string {
	return fmt.Sprintf("binlog: error %d (%s): %s", e.errorCode, e.sqlState, e.errorMessage)
}
