package keyword

import (
	"testing"
)

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"dog", "dog", 0},
		{"", "dog", 3},
		{"dog", "", 3},
		{"dog", "dogs", 1},
		{"dog", "dig", 1},
		{"grass", "grsas", 1},
		{"bicycle", "bicycel", 1},
		{"kitten", "sitting", 3},
		{"über", "uber", 1},
	}
	for _, tt := range tests {
		if got := editDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := editDistance(tt.b, tt.a); got != tt.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tt.b, tt.a, got, tt.want)
		}
	}
}

func TestClosestTerm(t *testing.T) {
	dict := map[string]uint64{"dog": 5, "dig": 1, "fog": 5, "grass": 2}
	tests := []struct {
		term, want string
	}{
		{"dgo", "dog"},
		{"dog", "dog"},
		{"gras", "grass"},
		{"elephant", ""},
		// dog and fog tie on distance and count; lexical order decides.
		{"xog", "dog"},
	}
	for _, tt := range tests {
		if got := closestTerm(tt.term, dict); got != tt.want {
			t.Errorf("closestTerm(%q) = %q, want %q", tt.term, got, tt.want)
		}
	}
}

func TestBleveIndex_Suggest(t *testing.T) {
	idx := newTestIndex(t)
	indexAll(t, idx, testRecords...)

	tests := []struct {
		query, want string
	}{
		{"dgo runs", "dog runs"},
		{"bicycel strete", "bicycle street"},
		{"dog grass", ""},
		{"zzzzzzzz", ""},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := idx.Suggest(tt.query)
		if err != nil {
			t.Fatalf("Suggest(%q): %v", tt.query, err)
		}
		if got != tt.want {
			t.Errorf("Suggest(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}
