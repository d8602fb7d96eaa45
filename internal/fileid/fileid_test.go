package fileid

import (
	"strings"
	"testing"
)

func TestDigest(t *testing.T) {
	a := Digest([]byte("png bytes"))
	if a != Digest([]byte("png bytes")) {
		t.Error("same bytes should give same digest")
	}
	if !strings.HasPrefix(a, digestPrefix) {
		t.Errorf("digest should have prefix %q: got %q", digestPrefix, a)
	}
	if len(a) != len(digestPrefix)+64 {
		t.Errorf("digest length = %d", len(a))
	}
	if a == Digest([]byte("png bytes!")) {
		t.Error("different bytes should give different digests")
	}
	// sha256 of the empty string
	if got := Digest(nil); got != "img:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("Digest(nil) = %q", got)
	}
}

func TestPathID(t *testing.T) {
	id1 := PathID("/photos/cat.jpg")
	if id1 != PathID("/photos/cat.jpg") {
		t.Error("same path should give same ID")
	}
	if id1 == PathID("/photos/dog.jpg") {
		t.Error("different paths should give different IDs")
	}
	if !IsPathID(id1) {
		t.Errorf("IsPathID(%q) = false", id1)
	}
	if IsPathID(Digest([]byte("x"))) {
		t.Error("a digest is not a path ID")
	}
}

func TestPathID_normalized(t *testing.T) {
	id1 := PathID("/photos/cat.jpg")
	for _, p := range []string{"/photos/./cat.jpg", "/photos/sub/../cat.jpg", "/photos//cat.jpg"} {
		if got := PathID(p); got != id1 {
			t.Errorf("PathID(%q) = %q, want %q", p, got, id1)
		}
	}
}
