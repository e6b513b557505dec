package collab

import (
	"errors"
	"testing"

	"github.com/karn-cyber/notion/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_Apply(t *testing.T) {
	cases := []struct {
		name    string
		initial string
		d       delta.Delta
		want    string
	}{
		{
			name:    "insert middle",
			initial: "Hello world",
			d: delta.Delta{
				{Kind: delta.KindRetain, Count: 5},
				{Kind: delta.KindInsert, Text: " collaborative"},
			},
			want: "Hello collaborative world",
		},
		{
			name:    "delete middle",
			initial: "Hello collaborative world",
			d: delta.Delta{
				{Kind: delta.KindRetain, Count: 5},
				{Kind: delta.KindDelete, Count: 14},
			},
			want: "Hello world",
		},
		{
			name:    "insert into empty",
			initial: "",
			d:       delta.Delta{{Kind: delta.KindInsert, Text: "hi"}},
			want:    "hi",
		},
		{
			name:    "append at end",
			initial: "abc",
			d: delta.Delta{
				{Kind: delta.KindRetain, Count: 3},
				{Kind: delta.KindInsert, Text: "d"},
			},
			want: "abcd",
		},
		{
			name:    "multibyte runes",
			initial: "你好世界",
			d: delta.Delta{
				{Kind: delta.KindRetain, Count: 2},
				{Kind: delta.KindDelete, Count: 1},
				{Kind: delta.KindInsert, Text: "大"},
			},
			want: "你好大界",
		},
		{
			name:    "delete across pieces",
			initial: "abcdef",
			d: delta.Delta{
				{Kind: delta.KindRetain, Count: 2},
				{Kind: delta.KindInsert, Text: "XY"},
				{Kind: delta.KindDelete, Count: 3},
			},
			want: "abXYf",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pt := NewPieceTable(tc.initial)
			if err := pt.Apply(tc.d); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got := pt.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPieceTable_DeleteSpanningSplitPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if err := pt.Apply(delta.Delta{
		{Kind: delta.KindRetain, Count: 5},
		{Kind: delta.KindInsert, Text: ","},
	}); err != nil {
		t.Fatal(err)
	}
	// "Hello, world" 删除 "o, w"
	if err := pt.Apply(delta.Delta{
		{Kind: delta.KindRetain, Count: 4},
		{Kind: delta.KindDelete, Count: 4},
	}); err != nil {
		t.Fatal(err)
	}
	if got := pt.String(); got != "Hellorld" {
		t.Fatalf("String() = %q, want %q", got, "Hellorld")
	}
}

func TestPieceTable_RejectsOutOfRange(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{
		{Kind: delta.KindRetain, Count: 2},
		{Kind: delta.KindDelete, Count: 5},
	})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Apply() error = %v, want ErrMalformed", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("buffer changed after rejected delta: %q", got)
	}
}

func TestPieceTable_RejectsInvalidOp(t *testing.T) {
	for _, d := range []delta.Delta{
		nil,
		{{Kind: "move", Count: 1}},
		{{Kind: delta.KindRetain, Count: 0}},
		{{Kind: delta.KindInsert}},
	} {
		if _, err := ApplyDelta("abc", d); !errors.Is(err, ErrMalformed) {
			t.Fatalf("ApplyDelta(%v) error = %v, want ErrMalformed", d, err)
		}
	}
}
