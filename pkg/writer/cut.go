// Package writer crops per-subject cuts out of a scan and writes them back in
// the container format with a patched header.
package writer

import (
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"splitmice/internal/models"
	"splitmice/pkg/geometry"
	"splitmice/pkg/layout"
	"splitmice/pkg/microvol"
)

// Cut is one subject's sub-volume.
type Cut struct {
	// Index is the position of the cut in its scan, from 0.
	Index int

	Desc models.Descriptor
	// Name is the descriptor as it appears in file names.
	Name string

	// Coords is the clamped crop window on the parent volume.
	Coords geometry.Rect

	// FileName is the output data file name, <base>_<name>.img.
	FileName string

	Volume   *microvol.Volume
	Metadata *models.Metadata
}

// SubjectID returns the metadata subject identifier, or "".
func (c *Cut) SubjectID() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata.SubjectID
}

// Release frees the cut's voxel storage.
func (c *Cut) Release() error {
	return c.Volume.Release()
}

// BaseName strips the directory and .img extension from a data file path.
func BaseName(imgPath string) string {
	return strings.TrimSuffix(filepath.Base(imgPath), filepath.Ext(imgPath))
}

// Extract crops every layout entry out of v across all frames. Metadata is
// looked up by descriptor; entries without metadata get none.
func Extract(v *microvol.Volume, l layout.Layout, names layout.DescriptorMap,
	metadata map[models.Descriptor]models.Metadata, arenas microvol.ArenaFactory) ([]*Cut, error) {

	base := BaseName(v.Path)
	cuts := make([]*Cut, 0, len(l))
	for i, e := range l {
		r := e.Rect.Ordered()
		r.Clamp(v.Cols, v.Rows)

		sub, err := v.Crop(r, arenas)
		if err != nil {
			ReleaseAll(cuts)
			return nil, fmt.Errorf("error cropping %s: %w", e.Desc, err)
		}
		name := names.Name(e.Desc)
		c := &Cut{
			Index:    i,
			Desc:     e.Desc,
			Name:     name,
			Coords:   r,
			FileName: base + "_" + name + ".img",
			Volume:   sub,
		}
		if md, ok := metadata[e.Desc]; ok {
			c.Metadata = &md
		}
		cuts = append(cuts, c)

		log.WithFields(log.Fields{
			"cut":     c.FileName,
			"coords":  r,
			"subject": c.SubjectID(),
		}).Info("Extracted cut")
	}
	return cuts, nil
}

// ReleaseAll frees the storage of every cut.
func ReleaseAll(cuts []*Cut) {
	for _, c := range cuts {
		if err := c.Release(); err != nil {
			log.WithError(err).Warn("Error releasing cut storage")
		}
	}
}
