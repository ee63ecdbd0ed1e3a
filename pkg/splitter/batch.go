package splitter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"splitmice/internal/models"
	"splitmice/pkg/config"
	"splitmice/pkg/coregister"
	"splitmice/pkg/dicomvol"
	"splitmice/pkg/hotel"
	"splitmice/pkg/layout"
	"splitmice/pkg/microvol"
	"splitmice/pkg/writer"
)

// ErrNoScans is returned when discovery finds nothing to split.
var ErrNoScans = errors.New("no scans found")

// Input is a discovered scan, peeked but not loaded.
type Input struct {
	Path     string
	Format   models.SourceFormat
	Modality models.Modality
	ScanTime time.Time
}

// Unit is the work item of a batch: a single scan, or a PET/CT pair split
// with coregistered windows.
type Unit struct {
	PET, CT *Input
	Single  *Input
}

func (u Unit) String() string {
	if u.Single != nil {
		return u.Single.Path
	}
	return u.PET.Path + " + " + u.CT.Path
}

// Peek reads the format, modality and scan time of a scan without loading
// its data. forced overrides the modality of container scans.
func Peek(path string, forced *models.Modality) (*Input, error) {
	in := &Input{Path: path, Format: FormatOf(path)}
	var raw string
	switch in.Format {
	case models.DICOM:
		m, t, err := dicomvol.Peek(path)
		if err != nil {
			return nil, err
		}
		in.Modality, raw = m, t
	default:
		lines, err := microvol.ReadHeaderLines(microvol.HeaderPath(path))
		if err != nil {
			return nil, err
		}
		if forced != nil {
			in.Modality = *forced
		} else {
			params, err := microvol.DetectModality(microvol.HeaderPath(path))
			if err != nil {
				return nil, err
			}
			in.Modality = params.Modality
		}
		raw, _ = microvol.LineValue(lines, "scan_time")
	}
	if raw != "" {
		if t, err := ParseScanTime(raw, in.Format); err == nil {
			in.ScanTime = t
		}
	}
	return in, nil
}

// Discover finds the scans under dir: every directory holding .dcm files, or
// when there are none every .img file.
func Discover(dir string, forced *models.Modality) ([]*Input, error) {
	var dicomDirs, imgs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".dcm":
			if parent := filepath.Dir(path); !slices.Contains(dicomDirs, parent) {
				dicomDirs = append(dicomDirs, parent)
			}
		case ".img":
			imgs = append(imgs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning %s: %w", dir, err)
	}

	paths := dicomDirs
	if len(paths) == 0 {
		paths = imgs
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoScans, dir)
	}
	slices.Sort(paths)

	inputs := make([]*Input, 0, len(paths))
	for _, p := range paths {
		in, err := Peek(p, forced)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	log.WithFields(log.Fields{"dir": dir, "scans": len(inputs)}).Info("Discovered scans")
	return inputs, nil
}

// Pair matches PET and CT scans by acquisition order when both modalities
// are present in equal numbers; otherwise every scan is split on its own.
func Pair(inputs []*Input) []Unit {
	var pets, cts []*Input
	for _, in := range inputs {
		if in.Modality == models.CT {
			cts = append(cts, in)
		} else {
			pets = append(pets, in)
		}
	}

	if len(pets) > 0 && len(pets) == len(cts) {
		byTime := func(a, b *Input) int { return a.ScanTime.Compare(b.ScanTime) }
		slices.SortStableFunc(pets, byTime)
		slices.SortStableFunc(cts, byTime)
		units := make([]Unit, len(pets))
		for i := range pets {
			units[i] = Unit{PET: pets[i], CT: cts[i]}
		}
		return units
	}

	if len(pets) > 0 && len(cts) > 0 {
		log.WithFields(log.Fields{"pet": len(pets), "ct": len(cts)}).
			Warn("PET and CT counts differ, splitting scans without coregistration")
	}
	units := make([]Unit, len(inputs))
	for i, in := range inputs {
		units[i] = Unit{Single: in}
	}
	return units
}

// Failure records a unit that could not be split.
type Failure struct {
	Unit string
	Err  error
}

// Report summarizes a batch run.
type Report struct {
	Units    int
	Failures []Failure
	Manifest *writer.Manifest
	Elapsed  time.Duration
}

// Err joins the failures, or returns nil when every unit succeeded.
func (r *Report) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = fmt.Errorf("%s: %w", f.Unit, f.Err)
	}
	return errors.Join(errs...)
}

// Batch splits a set of scans with shared settings.
type Batch struct {
	Config *config.Config

	// InputDir is the root scans were discovered under; output directories
	// mirror their location relative to it.
	InputDir  string
	OutputDir string

	Record     *hotel.Record
	Experiment string
}

// Run splits every unit on a bounded worker pool. A failing unit leaves no
// output and does not stop the others. The manifest is saved when the
// configuration names one.
func (b *Batch) Run(units []Unit) (*Report, error) {
	cfg := b.Config
	start := time.Now()

	metadata := map[models.SourceFormat]map[models.Descriptor]models.Metadata{}
	if b.Record != nil {
		for _, f := range []models.SourceFormat{models.Container, models.DICOM} {
			md, err := b.Record.Metadata(f)
			if err != nil {
				return nil, fmt.Errorf("error mapping hotel record: %w", err)
			}
			metadata[f] = md
		}
	}

	report := &Report{Units: len(units), Manifest: &writer.Manifest{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(max(1, cfg.Processing.NumWorkers))
	for _, u := range units {
		g.Go(func() error {
			local := &writer.Manifest{}
			err := b.runUnit(u, metadata, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithError(err).WithField("unit", u.String()).Error("Split failed")
				report.Failures = append(report.Failures, Failure{Unit: u.String(), Err: err})
				return nil
			}
			report.Manifest.Merge(local)
			return nil
		})
	}
	_ = g.Wait()
	if len(report.Failures) > 0 {
		removeEmptyDirs(b.OutputDir)
	}

	if cfg.Output.Zip && cfg.Output.MergeZips && containerOnly(units) {
		merged, err := writer.MergeBySubject(report.Manifest, b.OutputDir)
		if err != nil {
			return report, err
		}
		report.Manifest = merged
	}
	if cfg.Output.Manifest != "" {
		if err := os.MkdirAll(b.OutputDir, 0755); err != nil {
			return report, fmt.Errorf("error creating output directory: %w", err)
		}
		if err := report.Manifest.Save(filepath.Join(b.OutputDir, cfg.Output.Manifest)); err != nil {
			return report, err
		}
	}

	report.Elapsed = time.Since(start)
	log.WithFields(log.Fields{
		"units":   report.Units,
		"failed":  len(report.Failures),
		"outputs": len(report.Manifest.Entries()),
		"elapsed": report.Elapsed.Round(time.Millisecond),
	}).Info("Batch finished")
	return report, nil
}

func containerOnly(units []Unit) bool {
	for _, u := range units {
		for _, in := range []*Input{u.Single, u.PET, u.CT} {
			if in != nil && in.Format != models.Container {
				return false
			}
		}
	}
	return true
}

// numAnim is the expected subject count for a modality.
func (b *Batch) numAnim(m models.Modality) int {
	if b.Record != nil {
		if n := b.Record.NumAnimals(); n > 0 {
			return n
		}
	}
	return b.Config.DetectionFor(m).NumAnim
}

// outDir mirrors the scan's location under InputDir inside OutputDir.
func (b *Batch) outDir(in *Input) string {
	dir := in.Path
	if in.Format == models.Container {
		dir = filepath.Dir(in.Path)
	}
	if b.InputDir == "" {
		return b.OutputDir
	}
	rel, err := filepath.Rel(b.InputDir, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return b.OutputDir
	}
	return filepath.Join(b.OutputDir, rel)
}

func (b *Batch) params(in *Input, metadata map[models.SourceFormat]map[models.Descriptor]models.Metadata) *Params {
	cfg := b.Config
	det := cfg.DetectionFor(in.Modality)
	det.NumAnim = b.numAnim(in.Modality)

	intermediary := cfg.Output.IntermediaryDir
	if !filepath.IsAbs(intermediary) {
		intermediary = filepath.Join(b.OutputDir, intermediary)
	}
	m := in.Modality
	p := &Params{
		Path:                    in.Path,
		OutDir:                  b.outDir(in),
		Detection:               det,
		Size:                    cfg.SizeFor(in.Modality, b.Experiment),
		Names:                   layout.ParseDescriptorMap(cfg.Layout.DescriptorMap),
		Metadata:                metadata[in.Format],
		RecenterCT:              cfg.Layout.RecenterCT,
		BackPerspective:         b.Record != nil && b.Record.BackPerspective(),
		Zip:                     cfg.Output.Zip,
		ChunkLimit:              cfg.Processing.ChunkLimit,
		Arenas:                  cfg.ArenaFactory(),
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         intermediary,
		SaveSlices:              cfg.Output.SaveSlices,
	}
	if in.Format == models.Container {
		p.Modality = &m
	}
	return p
}

func (b *Batch) runUnit(u Unit, metadata map[models.SourceFormat]map[models.Descriptor]models.Metadata, m *writer.Manifest) error {
	if u.Single != nil {
		return Process(b.params(u.Single, metadata), m)
	}
	return b.runPair(u, metadata, m)
}

// runPair splits a PET/CT pair with coregistered windows. Either both
// scans are written or neither is.
func (b *Batch) runPair(u Unit, metadata map[models.SourceFormat]map[models.Descriptor]models.Metadata, m *writer.Manifest) error {
	pet, err := Open(b.params(u.PET, metadata))
	if err != nil {
		return err
	}
	defer pet.Close()
	ct, err := Open(b.params(u.CT, metadata))
	if err != nil {
		return err
	}
	defer ct.Close()

	if err := pet.Detect(); err != nil {
		return err
	}
	if err := ct.Detect(); err != nil {
		return err
	}

	pc, pr := pet.Shape()
	cc, cr := ct.Shape()
	res, err := coregister.Coregister(pet.Layout, ct.Layout,
		coregister.Shape{Cols: pc, Rows: pr}, coregister.Shape{Cols: cc, Rows: cr},
		pet.Detection.RawCount, b.numAnim(models.PET))
	if err != nil {
		return fmt.Errorf("error coregistering %s: %w", u, err)
	}
	pet.SetLayout(res.PET)
	ct.SetLayout(res.CT)

	if err := pet.Write(m); err != nil {
		return err
	}
	if err := ct.Write(m); err != nil {
		pet.Cleanup()
		return err
	}
	return nil
}

// removeEmptyDirs deletes directories under root left empty by cleanups.
func removeEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for _, d := range slices.Backward(dirs) {
		if entries, err := os.ReadDir(d); err == nil && len(entries) == 0 {
			_ = os.Remove(d)
		}
	}
}
