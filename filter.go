package binlog

// filter decides whether a decoded event reaches the consumer. It has two
// stages: packet-level (wanted, where TableMap/Rotate always pass through
// so C3/C4 stay correct) and delivery-level (deliver, applied to the fully
// decoded Event just before it is handed back from Next). Next calls only
// deliver: every event is read and decoded, and deliver applies the same
// type filters that wanted does.
type filter struct {
	onlyEvents           map[EventType]bool
	ignoredEvents        map[EventType]bool
	onlyTables           map[string]bool
	onlySchemas          map[string]bool
	filterNonImplemented bool
}

func newFilter(cfg Config) *filter {
	f := &filter{filterNonImplemented: cfg.FilterNonImplemented}
	if len(cfg.OnlyEvents) > 0 {
		f.onlyEvents = make(map[EventType]bool, len(cfg.OnlyEvents))
		for _, t := range cfg.OnlyEvents {
			f.onlyEvents[t] = true
		}
	}
	if len(cfg.IgnoredEvents) > 0 {
		f.ignoredEvents = make(map[EventType]bool, len(cfg.IgnoredEvents))
		for _, t := range cfg.IgnoredEvents {
			f.ignoredEvents[t] = true
		}
	}
	if len(cfg.OnlyTables) > 0 {
		f.onlyTables = make(map[string]bool, len(cfg.OnlyTables))
		for _, t := range cfg.OnlyTables {
			f.onlyTables[t] = true
		}
	}
	if len(cfg.OnlySchemas) > 0 {
		f.onlySchemas = make(map[string]bool, len(cfg.OnlySchemas))
		for _, s := range cfg.OnlySchemas {
			f.onlySchemas[s] = true
		}
	}
	return f
}

// wanted reports whether typ needs to be read off the wire at all: Rotate
// and TableMap are always wanted regardless of the consumer's filter,
// because the Stream Controller depends on them for position/table-map
// bookkeeping even when the consumer never sees them delivered.
func (f *filter) wanted(typ EventType) bool {
	if typ == ROTATE_EVENT || typ == TABLE_MAP_EVENT {
		return true
	}
	return f.allowedByType(typ)
}

func (f *filter) allowedByType(typ EventType) bool {
	if f.onlyEvents != nil && !f.onlyEvents[typ] {
		return false
	}
	if f.ignoredEvents != nil && f.ignoredEvents[typ] {
		return false
	}
	if f.filterNonImplemented && typ.isNotImplementedType() {
		return false
	}
	return true
}

// deliver reports whether a fully decoded event should be handed to the
// consumer. schema/table are empty for events with no table association
// (Query, Xid, Gtid, ...), in which case only the type filters apply.
func (f *filter) deliver(typ EventType, schema, table string) bool {
	if typ == ROTATE_EVENT || typ == TABLE_MAP_EVENT {
		// consumed internally for bookkeeping; only delivered if the
		// consumer explicitly opted into them via OnlyEvents.
		if f.onlyEvents == nil || !f.onlyEvents[typ] {
			return false
		}
	}
	if !f.allowedByType(typ) {
		return false
	}
	if f.onlySchemas != nil && schema != "" && !f.onlySchemas[schema] {
		return false
	}
	if f.onlyTables != nil && table != "" && !f.onlyTables[table] {
		return false
	}
	return true
}
