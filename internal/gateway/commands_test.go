package gateway

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		wantCmd  Command
		wantGood bool
	}{
		{"/analyze AAPL", Command{Name: "analyze", Arg: "AAPL"}, true},
		{"  /analyze aapl  ", Command{Name: "analyze", Arg: "aapl"}, true},
		{"/STOP", Command{Name: "stop"}, true},
		{"/status", Command{Name: "status"}, true},
		{"/compare AAPL MSFT", Command{Name: "compare", Arg: "AAPL MSFT"}, true},
		{"what about margins?", Command{}, false},
		{"analyze AAPL", Command{}, false},
		{"", Command{}, false},
	}

	for _, tt := range tests {
		got, ok := ParseCommand(tt.in)
		if ok != tt.wantGood {
			t.Errorf("ParseCommand(%q) ok = %v, want %v", tt.in, ok, tt.wantGood)
			continue
		}
		if got != tt.wantCmd {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.in, got, tt.wantCmd)
		}
	}
}
