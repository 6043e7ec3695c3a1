package binlog

import "testing"

func TestFilter_deliverDefault(t *testing.T) {
	f := newFilter(Config{})
	if !f.deliver(WRITE_ROWS_EVENTv2, "app", "orders") {
		t.Error("default filter should deliver everything")
	}
	if f.deliver(ROTATE_EVENT, "", "") {
		t.Error("Rotate should not be delivered unless explicitly requested via OnlyEvents")
	}
	if f.deliver(TABLE_MAP_EVENT, "app", "orders") {
		t.Error("TableMap should not be delivered unless explicitly requested via OnlyEvents")
	}
}

func TestFilter_onlyEvents(t *testing.T) {
	f := newFilter(Config{OnlyEvents: []EventType{WRITE_ROWS_EVENTv2, ROTATE_EVENT}})
	if !f.deliver(WRITE_ROWS_EVENTv2, "app", "orders") {
		t.Error("WriteRows is in OnlyEvents, should deliver")
	}
	if f.deliver(UPDATE_ROWS_EVENTv2, "app", "orders") {
		t.Error("UpdateRows is not in OnlyEvents, should not deliver")
	}
	if !f.deliver(ROTATE_EVENT, "", "") {
		t.Error("Rotate explicitly requested via OnlyEvents, should deliver")
	}
}

func TestFilter_ignoredEvents(t *testing.T) {
	f := newFilter(Config{IgnoredEvents: []EventType{XID_EVENT}})
	if f.deliver(XID_EVENT, "", "") {
		t.Error("Xid is ignored, should not deliver")
	}
	if !f.deliver(WRITE_ROWS_EVENTv2, "app", "orders") {
		t.Error("WriteRows is not ignored, should deliver")
	}
}

func TestFilter_onlySchemasAndTables(t *testing.T) {
	f := newFilter(Config{OnlySchemas: []string{"app"}, OnlyTables: []string{"orders"}})
	if !f.deliver(WRITE_ROWS_EVENTv2, "app", "orders") {
		t.Error("app.orders matches both filters, should deliver")
	}
	if f.deliver(WRITE_ROWS_EVENTv2, "other", "orders") {
		t.Error("wrong schema, should not deliver")
	}
	if f.deliver(WRITE_ROWS_EVENTv2, "app", "other") {
		t.Error("wrong table, should not deliver")
	}
	// events with no table association (schema == table == "") bypass
	// the schema/table filters entirely.
	if !f.deliver(XID_EVENT, "", "") {
		t.Error("table-less event should bypass schema/table filters")
	}
}

func TestFilter_filterNonImplemented(t *testing.T) {
	f := newFilter(Config{FilterNonImplemented: true})
	if f.deliver(APPEND_BLOCK_EVENT, "", "") {
		t.Error("AppendBlockEvent has no dedicated variant, should be filtered")
	}
	if !f.deliver(WRITE_ROWS_EVENTv2, "app", "orders") {
		t.Error("WriteRows has a dedicated variant, should not be filtered")
	}
}

func TestFilter_wanted(t *testing.T) {
	f := newFilter(Config{OnlyEvents: []EventType{WRITE_ROWS_EVENTv2}})
	if !f.wanted(ROTATE_EVENT) {
		t.Error("Rotate must always be wanted for position bookkeeping")
	}
	if !f.wanted(TABLE_MAP_EVENT) {
		t.Error("TableMap must always be wanted for schema bookkeeping")
	}
	if !f.wanted(WRITE_ROWS_EVENTv2) {
		t.Error("WriteRows is in OnlyEvents, should be wanted")
	}
	if f.wanted(UPDATE_ROWS_EVENTv2) {
		t.Error("UpdateRows is not in OnlyEvents, should not be wanted")
	}
}
