package hotel

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"splitmice/internal/models"
)

const fourSubjectJSON = `{
  "technicianPerspective": "Back",
  "hotelSubjects": [
    {"subjectId": "S4", "subjectLabel": "m4", "position": {"x": 2, "y": 2}, "weight": 21.5, "activity": 0.25},
    {"subjectId": "S1", "subjectLabel": "m1", "position": {"x": 1, "y": 1}, "weight": 20, "activity": 0.2,
     "injectionDate": "2023-01-02", "injectionTime": "09:30:15", "orientation": "HFP", "notes": "ok"},
    {"subjectId": "S3", "subjectLabel": "m3", "position": {"x": 1, "y": 2}},
    {"subjectLabel": "m2", "position": {"x": 2, "y": 1}}
  ]
}`

func TestParseJSON(t *testing.T) {
	r, err := Parse([]byte(fourSubjectJSON))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(r.HotelSubjects) != 4 {
		t.Fatalf("Expected 4 subjects, got %d", len(r.HotelSubjects))
	}
	if got := r.NumAnimals(); got != 3 {
		t.Errorf("Expected 3 identified animals, got %d", got)
	}
	if !r.BackPerspective() {
		t.Error("Expected back perspective")
	}
}

func TestPositions(t *testing.T) {
	subject := func(label string, x, y int) Subject {
		return Subject{SubjectLabel: label, Position: Position{X: x, Y: y}}
	}
	tests := []struct {
		name     string
		subjects []Subject
		want     map[models.Descriptor]string
	}{
		{"single", []Subject{subject("a", 1, 1)}, map[models.Descriptor]string{models.Center: "a"}},
		{"pair", []Subject{subject("b", 2, 1), subject("a", 1, 1)},
			map[models.Descriptor]string{models.Left: "a", models.Right: "b"}},
		{"three in a row", []Subject{subject("c", 3, 1), subject("a", 1, 1), subject("b", 2, 1)},
			map[models.Descriptor]string{models.Left: "a", models.Center: "b", models.Right: "c"}},
		{"two rows", []Subject{subject("d", 2, 2), subject("a", 1, 1), subject("c", 1, 2), subject("b", 2, 1)},
			map[models.Descriptor]string{models.LeftTop: "a", models.RightTop: "b", models.LeftBottom: "c", models.RightBottom: "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&Record{HotelSubjects: tt.subjects}).Positions()
			if err != nil {
				t.Fatalf("Positions failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d positions, got %d", len(tt.want), len(got))
			}
			for d, label := range tt.want {
				if got[d].SubjectLabel != label {
					t.Errorf("%s: got %q, want %q", d, got[d].SubjectLabel, label)
				}
			}
		})
	}
}

func TestPositionsRejectsLayouts(t *testing.T) {
	tests := []struct {
		name      string
		positions []Position
	}{
		{"empty", nil},
		{"four in a row", []Position{{1, 1}, {2, 1}, {3, 1}, {4, 1}}},
		{"unbalanced rows", []Position{{1, 1}, {2, 1}, {1, 2}}},
		{"three rows", []Position{{1, 1}, {1, 2}, {1, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{}
			for _, p := range tt.positions {
				r.HotelSubjects = append(r.HotelSubjects, Subject{Position: p})
			}
			if _, err := r.Positions(); !errors.Is(err, ErrUnsupportedLayout) {
				t.Errorf("Expected ErrUnsupportedLayout, got %v", err)
			}
		})
	}
}

func TestMetadata(t *testing.T) {
	r, err := Parse([]byte(fourSubjectJSON))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("dicom units", func(t *testing.T) {
		md, err := r.Metadata(models.DICOM)
		if err != nil {
			t.Fatalf("Metadata failed: %v", err)
		}
		lt := md[models.LeftTop]
		if lt.SubjectID != "m1" || lt.Name != "m1" {
			t.Errorf("Unexpected identity %q/%q", lt.SubjectID, lt.Name)
		}
		if math.Abs(lt.Weight-0.02) > 1e-12 {
			t.Errorf("Expected 0.02 kg, got %v", lt.Weight)
		}
		if math.Abs(lt.Dose-7.4e6) > 1e-3 {
			t.Errorf("Expected 7.4e6 Bq, got %v", lt.Dose)
		}
		if lt.InjectionDate != "20230102" || lt.InjectionTime != "093015" {
			t.Errorf("Unexpected injection %q %q", lt.InjectionDate, lt.InjectionTime)
		}
		if lt.Orientation != "HFP" || lt.Notes != "ok" {
			t.Errorf("Unexpected orientation/notes %q %q", lt.Orientation, lt.Notes)
		}
		if !strings.HasPrefix(lt.StudyUID, "2.25.") {
			t.Errorf("Unexpected study UID %q", lt.StudyUID)
		}
		if lt.StudyUID == md[models.RightTop].StudyUID {
			t.Error("Subjects must get distinct study UIDs")
		}

		lb := md[models.LeftBottom]
		if !lb.HasWeight || lb.Weight != 0 || !lb.HasDose || lb.Dose != 0 {
			t.Errorf("Missing weight and activity should read as zero, got %+v", lb)
		}
	})

	t.Run("container units", func(t *testing.T) {
		md, err := r.Metadata(models.Container)
		if err != nil {
			t.Fatal(err)
		}
		rb := md[models.RightBottom]
		if rb.Weight != 21.5 || rb.Dose != 0.25 {
			t.Errorf("Container metadata must keep record units, got %v g %v mCi", rb.Weight, rb.Dose)
		}
	})

	t.Run("unlabeled subject", func(t *testing.T) {
		rec := &Record{HotelSubjects: []Subject{{Position: Position{X: 1, Y: 1}}}}
		md, err := rec.Metadata(models.Container)
		if err != nil {
			t.Fatal(err)
		}
		if md[models.Center].SubjectID != "blank" {
			t.Errorf("Expected blank subject, got %q", md[models.Center].SubjectID)
		}
	})
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.yaml")
	data := "technicianPerspective: front\nhotelSubjects:\n  - subjectId: S1\n    subjectLabel: m1\n    position: {x: 1, y: 1}\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if r.BackPerspective() || r.NumAnimals() != 1 || r.HotelSubjects[0].SubjectLabel != "m1" {
		t.Errorf("Unexpected record %+v", r)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing record")
	}
}
