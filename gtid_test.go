package binlog

import "testing"

func TestParseGTIDSet(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5",
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5",
		},
		{
			// bare N is shorthand for the single transaction N-N
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:23",
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:23-23",
		},
		{
			// adjacent/overlapping intervals merge
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5:6-10",
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:1-10",
		},
		{
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5,726754ec-99f5-11e9-8c42-0800271b1ccb:10-20",
			"3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5,726754ec-99f5-11e9-8c42-0800271b1ccb:10-20",
		},
	}
	for _, tc := range testCases {
		set, err := ParseGTIDSet(tc.in)
		if err != nil {
			t.Fatalf("ParseGTIDSet(%q): %v", tc.in, err)
		}
		if got := set.String(); got != tc.want {
			t.Errorf("ParseGTIDSet(%q).String() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseGTIDSet_empty(t *testing.T) {
	set, err := ParseGTIDSet("")
	if err != nil {
		t.Fatalf("ParseGTIDSet(\"\"): %v", err)
	}
	if got := set.String(); got != "" {
		t.Errorf("empty set.String() = %q, want \"\"", got)
	}
}

func TestParseGTIDSet_invalid(t *testing.T) {
	testCases := []string{
		"not-a-uuid:1-5",
		"3e11fa47-71ca-11e1-9e33-c80aa9429562:",
		"3e11fa47-71ca-11e1-9e33-c80aa9429562:abc",
	}
	for _, in := range testCases {
		if _, err := ParseGTIDSet(in); err == nil {
			t.Errorf("ParseGTIDSet(%q): want error, got nil", in)
		}
	}
}

func TestGTIDSet_encode(t *testing.T) {
	set, err := ParseGTIDSet("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5,726754ec-99f5-11e9-8c42-0800271b1ccb:10-20:30-30")
	if err != nil {
		t.Fatal(err)
	}
	data := set.encode()
	if len(data) != set.encodedLen() {
		t.Fatalf("encode() produced %d bytes, encodedLen() reported %d", len(data), set.encodedLen())
	}
	// n_sids
	nSids := uint64(data[0]) | uint64(data[1])<<8
	if nSids != 2 {
		t.Fatalf("n_sids = %d, want 2", nSids)
	}
}

func TestGTIDSet_Add(t *testing.T) {
	set := NewGTIDSet()
	sid, err := parseSID("3e11fa47-71ca-11e1-9e33-c80aa9429562")
	if err != nil {
		t.Fatal(err)
	}
	set.Add(sid, 1)
	set.Add(sid, 2)
	set.Add(sid, 3)
	want := "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-3"
	if got := set.String(); got != want {
		t.Errorf("set.String() = %q, want %q", got, want)
	}
}
