package dicomvol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"splitmice/internal/models"
	"splitmice/pkg/writer"
)

const (
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
	derivationDescription  = "Original volume split into equal subvolumes for each patient"
)

// Writer writes cuts of one series as new DICOM series.
type Writer struct {
	series   *Series
	opts     writer.Options
	manifest *writer.Manifest
	written  []string
}

// NewWriter returns a writer for cuts of s recording outputs in m.
func NewWriter(s *Series, opts writer.Options, m *writer.Manifest) *Writer {
	if m == nil {
		m = &writer.Manifest{}
	}
	return &Writer{series: s, opts: opts, manifest: m}
}

// Manifest returns the manifest outputs are recorded in.
func (w *Writer) Manifest() *writer.Manifest { return w.manifest }

// Written lists the files and directories created so far.
func (w *Writer) Written() []string { return w.written }

// cutAttrs are shared by every slice of one cut.
type cutAttrs struct {
	study, series string
	md            *models.Metadata
	rows, cols    int
}

// WriteCut writes c as <OutDir>/<index>/<SOPInstanceUID>.dcm, one file per
// plane, and optionally archives the directory as <OutDir>/<index>.zip. It
// returns the archive path when zipping, else the slice directory.
func (w *Writer) WriteCut(c *writer.Cut) (string, error) {
	if w.opts.Zip && c.SubjectID() == "" {
		return "", fmt.Errorf("%w: cut %d", writer.ErrNoSubject, c.Index)
	}
	if c.Volume.Planes != len(w.series.Files) {
		return "", fmt.Errorf("cut has %d planes, series has %d slices", c.Volume.Planes, len(w.series.Files))
	}
	if err := c.Volume.UndoRotations(); err != nil {
		return "", fmt.Errorf("error restoring orientation of cut %d: %w", c.Index, err)
	}

	dir := filepath.Join(w.opts.OutDir, strconv.Itoa(c.Index))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating cut directory: %w", err)
	}
	w.written = append(w.written, dir)

	attrs := cutAttrs{
		study:  UID(),
		series: UID(),
		md:     c.Metadata,
		rows:   c.Volume.Rows,
		cols:   c.Volume.Cols,
	}
	if attrs.md != nil && attrs.md.StudyUID != "" {
		attrs.study = attrs.md.StudyUID
	}

	plane := make([]float32, c.Volume.PlaneLen())
	for p, src := range w.series.Files {
		if err := c.Volume.ReadPlane(0, p, plane); err != nil {
			return "", err
		}
		if err := w.writeSlice(src, dir, attrs, plane); err != nil {
			return "", err
		}
	}

	out := dir
	if w.opts.Zip {
		out = filepath.Join(w.opts.OutDir, strconv.Itoa(c.Index)+".zip")
		w.written = append(w.written, out)
		if err := writer.ZipDir(out, dir, w.opts.OutDir); err != nil {
			return "", err
		}
	}
	if id := c.SubjectID(); id != "" {
		w.manifest.Add(writer.ManifestEntry{SubjectID: id, Path: out, Modality: w.series.Modality.String()})
	}

	log.WithFields(log.Fields{
		"cut":     c.Index,
		"desc":    c.Name,
		"subject": c.SubjectID(),
		"slices":  len(w.series.Files),
		"output":  out,
	}).Info("Wrote DICOM cut")
	return out, nil
}

// replaced lists the source attributes every split slice overrides.
var replaced = map[tag.Tag]bool{
	tag.FileMetaInformationGroupLength: true,
	tag.TransferSyntaxUID:              true,
	tag.MediaStorageSOPInstanceUID:     true,
	tag.SOPInstanceUID:                 true,
	tag.StudyInstanceUID:               true,
	tag.SeriesInstanceUID:              true,
	tag.StorageMediaFileSetUID:         true,
	tag.ImageType:                      true,
	tag.DerivationDescription:          true,
	tag.DerivationImageSequence:        true,
	tag.SeriesDescription:              true,
	tag.Rows:                           true,
	tag.Columns:                        true,
	tag.BitsAllocated:                  true,
	tag.BitsStored:                     true,
	tag.HighBit:                        true,
	tag.PixelData:                      true,
}

var patientTags = []tag.Tag{
	tag.PatientID, tag.PatientName, tag.PatientWeight, tag.PatientOrientation, tag.PatientComments,
}

type attr struct {
	t tag.Tag
	v any
}

func newElement(t tag.Tag, value any) (*dicom.Element, error) {
	el, err := dicom.NewElement(t, value)
	if err != nil {
		return nil, fmt.Errorf("error building %v: %w", t, err)
	}
	return el, nil
}

func (w *Writer) writeSlice(src, dir string, a cutAttrs, plane []float32) error {
	ds, err := dicom.ParseFile(src, nil)
	if err != nil {
		return fmt.Errorf("error parsing %s: %w", src, err)
	}

	patient := map[tag.Tag]string{}
	if md := a.md; md != nil {
		if md.SubjectID != "" {
			patient[tag.PatientID] = md.SubjectID
		}
		if md.Name != "" {
			patient[tag.PatientName] = md.Name
		}
		if md.HasWeight {
			patient[tag.PatientWeight] = strconv.FormatFloat(md.Weight, 'g', -1, 64)
		}
		if md.Orientation != "" {
			patient[tag.PatientOrientation] = md.Orientation
		}
		if md.Notes != "" {
			patient[tag.PatientComments] = md.Notes
		}
	}

	sopClass, _ := firstString(ds, tag.SOPClassUID)
	oldSOP, _ := firstString(ds, tag.SOPInstanceUID)
	patientID, _ := firstString(ds, tag.PatientID)
	if id, ok := patient[tag.PatientID]; ok {
		patientID = id
	}
	desc := "split " + patientID
	if old, ok := firstString(ds, tag.SeriesDescription); ok && old != "" {
		desc = old + " " + desc
	}

	if w.series.Modality == models.PET && a.md != nil {
		if err := patchRadiopharmaceutical(ds, a.md); err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
	}

	elements := make([]*dicom.Element, 0, len(ds.Elements)+len(replaced))
	for _, el := range ds.Elements {
		if replaced[el.Tag] {
			continue
		}
		if _, ok := patient[el.Tag]; ok {
			continue
		}
		elements = append(elements, el)
	}

	sop := UID()
	pixrep := w.series.PixelRepresentation
	native := frame.NewNativeFrame[uint16](16, a.rows, a.cols, a.rows*a.cols, 1)
	for i, v := range plane {
		native.RawData[i] = storedValue(v, pixrep)
	}
	pixels := dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: false, NativeData: native}},
	}

	values := []attr{
		{tag.TransferSyntaxUID, []string{explicitVRLittleEndian}},
		{tag.MediaStorageSOPInstanceUID, []string{sop}},
		{tag.SOPInstanceUID, []string{sop}},
		{tag.StudyInstanceUID, []string{a.study}},
		{tag.SeriesInstanceUID, []string{a.series}},
		{tag.StorageMediaFileSetUID, []string{a.series}},
		{tag.ImageType, []string{"DERIVED", "PRIMARY", "SPLIT"}},
		{tag.DerivationDescription, []string{derivationDescription}},
		{tag.SeriesDescription, []string{desc}},
		{tag.Rows, []int{a.rows}},
		{tag.Columns, []int{a.cols}},
		{tag.BitsAllocated, []int{16}},
		{tag.BitsStored, []int{16}},
		{tag.HighBit, []int{15}},
	}
	for _, t := range patientTags {
		if v, ok := patient[t]; ok {
			values = append(values, attr{t, []string{v}})
		}
	}
	for _, kv := range values {
		el, err := newElement(kv.t, kv.v)
		if err != nil {
			return err
		}
		elements = append(elements, el)
	}

	if sopClass != "" && oldSOP != "" {
		class, err := newElement(tag.ReferencedSOPClassUID, []string{sopClass})
		if err != nil {
			return err
		}
		inst, err := newElement(tag.ReferencedSOPInstanceUID, []string{oldSOP})
		if err != nil {
			return err
		}
		seq, err := newElement(tag.DerivationImageSequence, [][]*dicom.Element{{class, inst}})
		if err != nil {
			return err
		}
		elements = append(elements, seq)
	}

	pd, err := newElement(tag.PixelData, pixels)
	if err != nil {
		return err
	}
	elements = append(elements, pd)
	sort.SliceStable(elements, func(i, j int) bool {
		ti, tj := elements[i].Tag, elements[j].Tag
		return ti.Group < tj.Group || (ti.Group == tj.Group && ti.Element < tj.Element)
	})

	path := filepath.Join(dir, sop+".dcm")
	if err := writeDataset(path, dicom.Dataset{Elements: elements}); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	w.written = append(w.written, path)
	return nil
}

func writeDataset(path string, ds dicom.Dataset) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return dicom.Write(f, ds)
}

// patchRadiopharmaceutical updates the injection start and total dose of the
// first radiopharmaceutical item. Attributes the item lacks are left out.
func patchRadiopharmaceutical(ds dicom.Dataset, md *models.Metadata) error {
	el, err := ds.FindElementByTag(tag.RadiopharmaceuticalInformationSequence)
	if err != nil {
		return nil
	}
	items, ok := el.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok || len(items) == 0 {
		return nil
	}

	updates := map[tag.Tag]string{}
	if md.InjectionTime != "" {
		updates[tag.RadiopharmaceuticalStartTime] = md.InjectionTime
		if md.InjectionDate != "" {
			updates[tag.RadiopharmaceuticalStartDateTime] = md.InjectionDate + md.InjectionTime
		}
	}
	if md.HasDose {
		updates[tag.RadionuclideTotalDose] = strconv.FormatFloat(md.Dose, 'g', -1, 64)
	}
	for _, item := range items[0].GetValue().([]*dicom.Element) {
		v, ok := updates[item.Tag]
		if !ok {
			continue
		}
		nv, err := dicom.NewValue([]string{v})
		if err != nil {
			return err
		}
		item.Value = nv
	}
	return nil
}

// WriteAll writes every cut, removing everything already written if one
// fails.
func (w *Writer) WriteAll(cuts []*writer.Cut) error {
	for _, c := range cuts {
		if _, err := w.WriteCut(c); err != nil {
			w.Cleanup()
			return err
		}
	}
	return nil
}

// Cleanup removes every file and cut directory this writer created.
func (w *Writer) Cleanup() {
	for i := len(w.written) - 1; i >= 0; i-- {
		p := w.written[i]
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("file", p).Warn("Could not remove partial output")
		}
	}
	w.written = nil
}
