package pdfvector

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestExtractPoints_LineSegment(t *testing.T) {
	stream := []byte("10 20 m\n110 20 l\nS")
	pts := ExtractPoints(stream)
	if len(pts) != 2 {
		t.Fatalf("expected 2 points, got %d: %v", len(pts), pts)
	}
	if pts[0] != (orb.Point{10, 20}) {
		t.Errorf("start point = %v, want (10,20)", pts[0])
	}
	if pts[1] != (orb.Point{110, 20}) {
		t.Errorf("end point = %v, want (110,20)", pts[1])
	}
}

func TestExtractPoints_Rectangle(t *testing.T) {
	stream := []byte("0 0 100 50 re\nf")
	pts := ExtractPoints(stream)
	if len(pts) != 5 {
		t.Fatalf("expected 5 points (4 corners + closing), got %d", len(pts))
	}
	if pts[2] != (orb.Point{100, 50}) {
		t.Errorf("far corner = %v, want (100,50)", pts[2])
	}
}

func TestExtractPoints_CubicBezierFlattensToEightSteps(t *testing.T) {
	stream := []byte("0 0 m\n0 10 10 10 10 0 c\nS")
	pts := ExtractPoints(stream)
	// 1 for "m" + 8 for the flattened cubic.
	if len(pts) != 9 {
		t.Fatalf("expected 9 points, got %d", len(pts))
	}
	last := pts[len(pts)-1]
	if math.Abs(last[0]-10) > 1e-9 || math.Abs(last[1]-0) > 1e-9 {
		t.Errorf("last sampled point = %v, want endpoint (10,0)", last)
	}
}

func TestExtractFromPDF_FindsUncompressedStream(t *testing.T) {
	doc := []byte("%PDF-1.4\n1 0 obj\n<< /Length 20 >>\nstream\n0 0 m\n10 0 l\nS\nendstream\nendobj\n")
	pts := ExtractFromPDF(doc)
	if len(pts) != 2 {
		t.Fatalf("expected 2 points from the one uncompressed stream, got %d", len(pts))
	}
}

func TestExtractFromPDF_SkipsBinaryStream(t *testing.T) {
	binary := make([]byte, 64)
	for i := range binary {
		binary[i] = byte(i * 7 % 256)
	}
	doc := append([]byte("%PDF-1.4\nstream\n"), append(binary, []byte("\nendstream\n")...)...)
	pts := ExtractFromPDF(doc)
	if len(pts) != 0 {
		t.Errorf("expected 0 points from a binary (compressed) stream, got %d", len(pts))
	}
}

func TestVoteTranslation_RequiresMinimumVotes(t *testing.T) {
	old := map[string][]orb.Point{
		"A-101": {{0, 0}, {10, 10}},
		"A-102": {{5, 5}},
	}
	new_ := map[string][]orb.Point{
		"A-101": {{5, 5}, {15, 15}},
		"A-102": {{10, 10}},
	}
	_, _, ok := VoteTranslation(old, new_)
	if ok {
		t.Fatal("expected ok=false with only 2 matched layers (below the 4-vote floor)")
	}
}

func TestVoteTranslation_MedianOfFourLayers(t *testing.T) {
	old := map[string][]orb.Point{
		"A-101": {{0, 0}},
		"A-102": {{0, 0}},
		"A-103": {{0, 0}},
		"A-104": {{0, 0}},
	}
	new_ := map[string][]orb.Point{
		"A-101": {{10, 0}},
		"A-102": {{10, 0}},
		"A-103": {{10, 0}},
		"A-104": {{100, 0}}, // outlier layer, e.g. a moved detail callout
	}
	tx, ty, ok := VoteTranslation(old, new_)
	if !ok {
		t.Fatal("expected ok=true with 4 matched layers")
	}
	if math.Abs(tx-10) > 1e-9 {
		t.Errorf("tx = %v, want median 10 (robust to the 100-unit outlier)", tx)
	}
	if ty != 0 {
		t.Errorf("ty = %v, want 0", ty)
	}
}
