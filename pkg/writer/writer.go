package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"splitmice/pkg/microvol"
)

// ErrNoSubject is returned when an archive is requested for a cut without a
// subject identifier.
var ErrNoSubject = errors.New("cut has no subject identifier")

// Options control where and how cuts are written.
type Options struct {
	OutDir string
	// Zip bundles each cut's data and header into <data>.zip.
	Zip bool
	// ChunkLimit caps bytes per write call; microvol.DefaultChunkLimit when zero.
	ChunkLimit int
}

// Writer writes the cuts of one scan and remembers every file it created so
// a failed scan can be rolled back.
type Writer struct {
	opts     Options
	manifest *Manifest
	written  []string
}

// New returns a writer recording its outputs in m.
func New(opts Options, m *Manifest) *Writer {
	if m == nil {
		m = &Manifest{}
	}
	return &Writer{opts: opts, manifest: m}
}

// Manifest returns the manifest outputs are recorded in.
func (w *Writer) Manifest() *Manifest { return w.manifest }

// Written lists the files created so far.
func (w *Writer) Written() []string { return w.written }

func (w *Writer) track(path string) { w.written = append(w.written, path) }

// WriteCut writes the cut's data file and header, patched from the parent
// header lines, into the output directory. Recorded rotations are undone
// first so the file has the scanner's orientation. It returns the path of the
// archive when zipping, else of the data file.
func (w *Writer) WriteCut(c *Cut, parentHeader []string) (string, error) {
	if w.opts.Zip && c.SubjectID() == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSubject, c.FileName)
	}
	lines, err := ApplyMetadata(c, parentHeader)
	if err != nil {
		return "", fmt.Errorf("error applying metadata to %s: %w", c.FileName, err)
	}
	if err := c.Volume.UndoRotations(); err != nil {
		return "", fmt.Errorf("error restoring orientation of %s: %w", c.FileName, err)
	}
	if err := os.MkdirAll(w.opts.OutDir, 0755); err != nil {
		return "", fmt.Errorf("error creating output directory: %w", err)
	}

	imgPath := filepath.Join(w.opts.OutDir, c.FileName)
	w.track(imgPath)
	if err := c.Volume.Write(imgPath, w.opts.ChunkLimit); err != nil {
		return "", err
	}

	hdrPath := microvol.HeaderPath(imgPath)
	w.track(hdrPath)
	if err := os.WriteFile(hdrPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return "", fmt.Errorf("error writing header: %w", err)
	}

	out := imgPath
	if w.opts.Zip {
		out = imgPath + ".zip"
		w.track(out)
		if err := ZipFiles(out, imgPath, hdrPath); err != nil {
			return "", err
		}
		log.WithField("file", filepath.Base(out)).Debug("Zipped cut")
	}
	if id := c.SubjectID(); id != "" {
		w.manifest.Add(ManifestEntry{SubjectID: id, Path: out, Modality: c.Volume.Params.Modality.String()})
	}

	log.WithFields(log.Fields{
		"cut":     c.FileName,
		"subject": c.SubjectID(),
		"dims":    fmt.Sprintf("%dx%dx%dx%d", c.Volume.Cols, c.Volume.Rows, c.Volume.Planes, c.Volume.Frames),
	}).Info("Wrote cut")
	return out, nil
}

// WriteAll writes every cut, removing everything already written if one
// fails.
func (w *Writer) WriteAll(cuts []*Cut, parentHeader []string) error {
	for _, c := range cuts {
		if _, err := w.WriteCut(c, parentHeader); err != nil {
			w.Cleanup()
			return err
		}
	}
	return nil
}

// Cleanup removes every file this writer created.
func (w *Writer) Cleanup() {
	for _, p := range w.written {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("file", p).Warn("Could not remove partial output")
		}
	}
	w.written = nil
}
