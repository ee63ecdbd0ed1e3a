package layout

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"

	"splitmice/internal/models"
	"splitmice/pkg/detection"
	"splitmice/pkg/geometry"
)

// box builds a filled rectangular region with its centroid at the box center.
func box(label, minRow, minCol, maxRow, maxCol int) detection.Region {
	return detection.Region{
		Label:       label,
		MinRow:      minRow,
		MinCol:      minCol,
		MaxRow:      maxRow,
		MaxCol:      maxCol,
		Area:        (maxRow - minRow) * (maxCol - minCol),
		CentroidRow: float64(minRow+maxRow-1) / 2,
		CentroidCol: float64(minCol+maxCol-1) / 2,
	}
}

func assertSquareAndEqual(t *testing.T, l Layout) {
	t.Helper()
	for _, e := range l {
		if e.Rect.Wid() != e.Rect.Ht() {
			t.Errorf("%s is not square: %v", e.Desc, e.Rect)
		}
		if e.Rect.Wid() != l[0].Rect.Wid() {
			t.Errorf("%s size %d differs from %d", e.Desc, e.Rect.Wid(), l[0].Rect.Wid())
		}
	}
}

func TestSplitCoordsSingle(t *testing.T) {
	l, err := SplitCoords(100, 100, []detection.Region{box(1, 20, 30, 40, 70)}, 4)
	if err != nil {
		t.Fatalf("SplitCoords failed: %v", err)
	}
	if len(l) != 1 || l[0].Desc != models.Center {
		t.Fatalf("Expected one ctr entry, got %v", l)
	}
	// 40x20 grown by 4 is 48x28, squared to 48
	if l[0].Rect.Wid() != 48 || l[0].Rect.Ht() != 48 {
		t.Errorf("Expected 48x48, got %v", l[0].Rect)
	}
	if cx, cy := l[0].Rect.Ctr(); cx != 50 || cy != 30 {
		t.Errorf("Expected center (50,30), got (%v,%v)", cx, cy)
	}
}

func TestSplitCoordsLeftRight(t *testing.T) {
	right := box(1, 10, 60, 30, 80)
	left := box(2, 12, 10, 30, 30)

	l, err := SplitCoords(100, 50, []detection.Region{right, left}, 4)
	if err != nil {
		t.Fatalf("SplitCoords failed: %v", err)
	}
	if len(l) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(l))
	}
	if l[0].Desc != models.Left || l[1].Desc != models.Right {
		t.Fatalf("Expected l then r, got %s %s", l[0].Desc, l[1].Desc)
	}
	if l[0].Rect.XLT >= l[1].Rect.XLT {
		t.Errorf("Left window %v is not left of %v", l[0].Rect, l[1].Rect)
	}
	if l[0].Rect.Label != 2 || l[1].Rect.Label != 1 {
		t.Errorf("Expected labels to follow regions, got %d %d", l[0].Rect.Label, l[1].Rect.Label)
	}
	assertSquareAndEqual(t, l)
	if l[0].Rect.Wid() != 28 {
		t.Errorf("Expected size 28, got %d", l[0].Rect.Wid())
	}
}

func TestSplitCoordsClampsExpandedWindows(t *testing.T) {
	l, err := SplitCoords(100, 100, []detection.Region{box(1, 0, 0, 20, 20), box(2, 0, 70, 20, 100)}, 5)
	if err != nil {
		t.Fatalf("SplitCoords failed: %v", err)
	}
	// clamping leaves 25x25 and 35x25, harmonized to 35
	assertSquareAndEqual(t, l)
	if l[0].Rect.Wid() != 35 {
		t.Errorf("Expected size 35, got %d", l[0].Rect.Wid())
	}
}

func fourRegions() []detection.Region {
	return []detection.Region{
		box(1, 5, 5, 15, 15),
		box(2, 5, 80, 15, 90),
		box(3, 70, 5, 80, 15),
		box(4, 70, 80, 80, 92),
	}
}

func TestSplitCoordsFourQuadrants(t *testing.T) {
	l, err := SplitCoords(100, 100, fourRegions(), 4)
	if err != nil {
		t.Fatalf("SplitCoords failed: %v", err)
	}
	want := []models.Descriptor{models.LeftTop, models.RightTop, models.LeftBottom, models.RightBottom}
	if len(l) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(l))
	}
	seen := map[models.Descriptor]bool{}
	for i, e := range l {
		if e.Desc != want[i] {
			t.Errorf("Entry %d: expected %s, got %s", i, want[i], e.Desc)
		}
		seen[e.Desc] = true
	}
	if len(seen) != 4 {
		t.Errorf("Expected four distinct quadrants, got %v", seen)
	}
	assertSquareAndEqual(t, l)
	// no margin is applied to quadrant layouts
	if l[0].Rect.Wid() != 12 {
		t.Errorf("Expected size 12, got %d", l[0].Rect.Wid())
	}
}

func TestSplitCoordsMergesExtraRegions(t *testing.T) {
	regions := append(fourRegions(), box(5, 20, 20, 28, 28))

	l, err := SplitCoords(100, 100, regions, 4)
	if err != nil {
		t.Fatalf("SplitCoords failed: %v", err)
	}
	if len(l) != 4 {
		t.Fatalf("Expected 4 merged entries, got %d", len(l))
	}
	if l[0].Desc != models.LeftTop || l[0].Rect.Label != int(models.TopLeft) {
		t.Errorf("Expected merged lt entry labeled %d, got %v label %d", models.TopLeft, l[0], l[0].Rect.Label)
	}
	if l[3].Rect.Label != int(models.BottomRight) {
		t.Errorf("Expected rb label %d, got %d", models.BottomRight, l[3].Rect.Label)
	}
	// merged lt spans 5..28
	assertSquareAndEqual(t, l)
	if l[0].Rect.Wid() != 23 {
		t.Errorf("Expected size 23, got %d", l[0].Rect.Wid())
	}
}

func TestSplitCoordsNoRegions(t *testing.T) {
	if _, err := SplitCoords(10, 10, nil, 4); !errors.Is(err, ErrNoRegions) {
		t.Errorf("Expected ErrNoRegions, got %v", err)
	}
}

func TestHarmonizeDoesNotModifyInput(t *testing.T) {
	in := Layout{
		{Desc: models.Left, Rect: geometry.New(0, 0, 10, 20)},
		{Desc: models.Right, Rect: geometry.New(50, 0, 56, 6)},
	}
	orig := in.Clone()

	out := Harmonize(in)
	for i := range in {
		if in[i] != orig[i] {
			t.Errorf("Input entry %d changed: %v", i, in[i])
		}
		ox, oy := orig[i].Rect.Ctr()
		nx, ny := out[i].Rect.Ctr()
		if ox != nx || oy != ny {
			t.Errorf("Center moved from (%v,%v) to (%v,%v)", ox, oy, nx, ny)
		}
	}
	assertSquareAndEqual(t, out)
}

func TestApplySize(t *testing.T) {
	in := Layout{{Desc: models.Center, Rect: geometry.New(10, 10, 30, 30)}}
	out := ApplySize(in, 40, 40)
	if out[0].Rect != geometry.New(0, 0, 40, 40) {
		t.Errorf("Expected (0,0,40,40), got %v", out[0].Rect)
	}
	if in[0].Rect != geometry.New(10, 10, 30, 30) {
		t.Error("ApplySize modified its input")
	}
}

func TestRecenter(t *testing.T) {
	mask := mat.NewDense(50, 50, nil)
	for r := 20; r < 30; r++ {
		for c := 24; c < 34; c++ {
			mask.Set(r, c, 1)
		}
	}
	in := Layout{
		{Desc: models.Left, Rect: geometry.New(10, 10, 40, 40)},
		{Desc: models.Right, Rect: geometry.New(40, 40, 50, 50)},
	}

	out := Recenter(in, mask)
	// foreground centroid is (28.5, 24.5); shifts round half away from zero
	if cx, cy := out[0].Rect.Ctr(); cx != 29 || cy != 24 {
		t.Errorf("Expected center (29,24), got (%v,%v)", cx, cy)
	}
	if out[1].Rect != in[1].Rect {
		t.Errorf("Expected window without foreground to stay, got %v", out[1].Rect)
	}
}

func TestParseDescriptorMap(t *testing.T) {
	m := ParseDescriptorMap("l:left, r:right,bogus,xx:yy,ctr:")
	tests := []struct {
		desc models.Descriptor
		want string
	}{
		{models.Left, "left"},
		{models.Right, "right"},
		{models.Center, "ctr"},
		{models.LeftTop, "lt"},
		{models.Outside, "ot"},
	}
	for _, tt := range tests {
		if got := m.Name(tt.desc); got != tt.want {
			t.Errorf("Name(%s) = %q, want %q", tt.desc, got, tt.want)
		}
	}
}
