package binlog

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// interval is a half-open range [Start, Stop) of transaction sequence
// numbers, as it appears inside a GTID set.
type interval struct {
	Start, Stop uint64
}

// GTIDSet is an unordered collection of per-source-id interval lists, used
// for auto-positioning: it names every transaction a replica already has,
// so the master can stream only what comes after.
//
// https://dev.mysql.com/doc/refman/8.0/en/replication-gtids-concepts.html
type GTIDSet struct {
	sids map[[16]byte][]interval
}

// NewGTIDSet returns an empty set, ready to be grown with Add.
func NewGTIDSet() *GTIDSet {
	return &GTIDSet{sids: make(map[[16]byte][]interval)}
}

// ParseGTIDSet parses the textual form `sid:start-stop[:start-stop...][,sid:...]`.
// A bare `sid:N` is shorthand for the single-transaction interval [N, N+1).
func ParseGTIDSet(s string) (*GTIDSet, error) {
	set := NewGTIDSet()
	s = strings.TrimSpace(s)
	if s == "" {
		return set, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 {
			return nil, fmt.Errorf("binlog: invalid GTID set %q", s)
		}
		sid, err := parseSID(fields[0])
		if err != nil {
			return nil, err
		}
		for _, rng := range fields[1:] {
			start, stop, err := parseRange(rng)
			if err != nil {
				return nil, fmt.Errorf("binlog: invalid GTID set %q: %v", s, err)
			}
			set.add(sid, interval{Start: start, Stop: stop})
		}
	}
	return set, nil
}

func parseSID(s string) ([16]byte, error) {
	var sid [16]byte
	clean := strings.ReplaceAll(s, "-", "")
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) != 16 {
		return sid, fmt.Errorf("binlog: invalid GTID source id %q", s)
	}
	copy(sid[:], b)
	return sid, nil
}

func parseRange(s string) (start, stop uint64, err error) {
	if i := strings.IndexByte(s, '-'); i != -1 {
		start, err = strconv.ParseUint(s[:i], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		stop, err = strconv.ParseUint(s[i+1:], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		return start, stop + 1, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return n, n + 1, nil
}

// Add records a single committed transaction (sid, gno) in the set,
// merging it into the sid's interval list.
func (s *GTIDSet) Add(sid [16]byte, gno uint64) {
	s.add(sid, interval{Start: gno, Stop: gno + 1})
}

func (s *GTIDSet) add(sid [16]byte, iv interval) {
	s.sids[sid] = mergeInterval(s.sids[sid], iv)
}

// mergeInterval inserts iv into a sorted, disjoint interval list, coalescing
// with any neighbor it touches or overlaps.
func mergeInterval(ivs []interval, iv interval) []interval {
	ivs = append(ivs, iv)
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })

	merged := ivs[:1]
	for _, cur := range ivs[1:] {
		last := &merged[len(merged)-1]
		if cur.Start <= last.Stop {
			if cur.Stop > last.Stop {
				last.Stop = cur.Stop
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// String renders the set in the canonical text form, sids sorted for
// deterministic output.
func (s *GTIDSet) String() string {
	sids := s.sortedSIDs()
	parts := make([]string, 0, len(sids))
	for _, sid := range sids {
		var b strings.Builder
		b.WriteString(formatSID(sid))
		for _, iv := range s.sids[sid] {
			b.WriteByte(':')
			if iv.Stop == iv.Start+1 {
				fmt.Fprintf(&b, "%d", iv.Start)
			} else {
				fmt.Fprintf(&b, "%d-%d", iv.Start, iv.Stop-1)
			}
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ",")
}

func formatSID(sid [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", sid[0:4], sid[4:6], sid[6:8], sid[8:10], sid[10:16])
}

func (s *GTIDSet) sortedSIDs() [][16]byte {
	sids := make([][16]byte, 0, len(s.sids))
	for sid := range s.sids {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool {
		return string(sids[i][:]) < string(sids[j][:])
	})
	return sids
}

// encode renders the set in the COM_BINLOG_DUMP_GTID wire form:
// uint64 n_sids; per sid: 16-byte uuid, uint64 n_intervals, per interval
// uint64 start, uint64 stop. All integers little-endian.
func (s *GTIDSet) encode() []byte {
	sids := s.sortedSIDs()
	buf := make([]byte, 8, s.encodedLen())
	binary.LittleEndian.PutUint64(buf, uint64(len(sids)))
	for _, sid := range sids {
		buf = append(buf, sid[:]...)
		ivs := s.sids[sid]
		n := make([]byte, 8)
		binary.LittleEndian.PutUint64(n, uint64(len(ivs)))
		buf = append(buf, n...)
		for _, iv := range ivs {
			b := make([]byte, 16)
			binary.LittleEndian.PutUint64(b[:8], iv.Start)
			binary.LittleEndian.PutUint64(b[8:], iv.Stop)
			buf = append(buf, b...)
		}
	}
	return buf
}

// encodedLen precomputes the wire length, per 8 + sum(16 + 8 + 16*n_intervals).
func (s *GTIDSet) encodedLen() int {
	n := 8
	for _, ivs := range s.sids {
		n += 16 + 8 + 16*len(ivs)
	}
	return n
}
