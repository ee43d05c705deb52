package chunk

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/sarathi/pkg/types"
)

// words returns "w0 w1 ... w{n-1}" with irregular whitespace between words.
func words(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			if i%7 == 0 {
				sb.WriteString("\n\t ")
			} else {
				sb.WriteByte(' ')
			}
		}
		fmt.Fprintf(&sb, "w%d", i)
	}
	return sb.String()
}

func TestSplit_RoundTrip(t *testing.T) {
	t.Parallel()

	policies := []Policy{Default(), {Size: 10, Overlap: 3}, {Size: 5, Overlap: 0}, {Size: 4, Overlap: 3}, {Size: 1, Overlap: 0}}
	lengths := []int{1, 3, 4, 5, 9, 10, 11, 23, 499, 500, 501, 1234}

	for _, p := range policies {
		for _, n := range lengths {
			t.Run(fmt.Sprintf("size=%d/overlap=%d/words=%d", p.Size, p.Overlap, n), func(t *testing.T) {
				t.Parallel()
				text := words(n)
				chunks := p.Split(text)
				if got, want := p.Join(chunks), Normalize(text); got != want {
					t.Fatalf("round trip mismatch:\n got %q\nwant %q", got, want)
				}
				for i, c := range chunks {
					if k := len(strings.Fields(c)); k > p.Size {
						t.Errorf("chunk %d has %d words, limit %d", i, k, p.Size)
					}
				}
			})
		}
	}
}

func TestSplit_ShortTextIsOneChunk(t *testing.T) {
	t.Parallel()
	p := Policy{Size: 10, Overlap: 2}

	for _, text := range []string{"hello", words(9), words(10)} {
		if got := p.Split(text); len(got) != 1 {
			t.Errorf("Split(%q): want 1 chunk, got %d", text, len(got))
		}
	}
}

func TestSplit_EmptyText(t *testing.T) {
	t.Parallel()
	for _, text := range []string{"", "   ", "\n\t"} {
		if got := Default().Split(text); len(got) != 0 {
			t.Errorf("Split(%q): want no chunks, got %v", text, got)
		}
	}
}

func TestSplit_OverlapIsShared(t *testing.T) {
	t.Parallel()
	p := Policy{Size: 5, Overlap: 2}
	chunks := p.Split(words(12))

	want := []string{
		"w0 w1 w2 w3 w4",
		"w3 w4 w5 w6 w7",
		"w6 w7 w8 w9 w10",
		"w9 w10 w11",
	}
	if len(chunks) != len(want) {
		t.Fatalf("want %d chunks, got %d: %v", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestFits(t *testing.T) {
	t.Parallel()
	p := Policy{Size: 3, Overlap: 1}
	if !p.Fits("a b  c") {
		t.Error("three words should fit a size-3 policy")
	}
	if p.Fits("a b c d") {
		t.Error("four words should not fit a size-3 policy")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p     Policy
		valid bool
	}{
		{Default(), true},
		{Policy{Size: 1}, true},
		{Policy{}, false},
		{Policy{Size: 5, Overlap: 5}, false},
		{Policy{Size: 5, Overlap: -1}, false},
	}
	for _, tt := range tests {
		err := tt.p.Validate()
		if tt.valid && err != nil {
			t.Errorf("%+v: unexpected error %v", tt.p, err)
		}
		if !tt.valid && !errors.Is(err, types.ErrValidation) {
			t.Errorf("%+v: want ErrValidation, got %v", tt.p, err)
		}
	}
}
