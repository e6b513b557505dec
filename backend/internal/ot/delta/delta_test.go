package delta

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Delta
		ok   bool
	}{
		{"retain insert", Delta{{Kind: KindRetain, Count: 2}, {Kind: KindInsert, Text: "x"}}, true},
		{"delete", Delta{{Kind: KindDelete, Count: 1}}, true},
		{"empty", Delta{}, false},
		{"zero retain", Delta{{Kind: KindRetain}}, false},
		{"negative delete", Delta{{Kind: KindDelete, Count: -1}}, false},
		{"empty insert", Delta{{Kind: KindInsert}}, false},
		{"unknown", Delta{{Kind: "format", Count: 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidOp) {
				t.Fatalf("want ErrInvalidOp, got %v", err)
			}
		})
	}
}

func TestBaseLen(t *testing.T) {
	d := Delta{{Kind: KindRetain, Count: 3}, {Kind: KindInsert, Text: "abc"}, {Kind: KindDelete, Count: 2}}
	if got := d.BaseLen(); got != 5 {
		t.Fatalf("BaseLen = %d, want 5", got)
	}
}

func TestDecode(t *testing.T) {
	var d Delta
	raw := `[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]`
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}
	if len(d) != 2 || d[0].Count != 5 || d[1].Text != "Hello" {
		t.Fatalf("decoded %+v", d)
	}
}
