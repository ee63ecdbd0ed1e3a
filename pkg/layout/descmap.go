package layout

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"splitmice/internal/models"
)

// DescriptorMap renames descriptors in output file names.
type DescriptorMap map[models.Descriptor]string

var knownDescriptors = []models.Descriptor{
	models.Left, models.Right, models.Center,
	models.LeftBottom, models.RightBottom, models.LeftTop, models.RightTop,
}

// ParseDescriptorMap reads a "from:to,from:to" list. Malformed pairs and
// unknown descriptors are skipped with a warning.
func ParseDescriptorMap(s string) DescriptorMap {
	m := make(DescriptorMap, len(knownDescriptors))
	for _, d := range knownDescriptors {
		m[d] = string(d)
	}
	if s == "" {
		return m
	}
	for _, pair := range strings.Split(s, ",") {
		from, to, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || to == "" {
			if pair != "" {
				log.WithField("pair", pair).Warn("Ignoring malformed descriptor mapping")
			}
			continue
		}
		d := models.Descriptor(from)
		if _, known := m[d]; !known {
			log.WithField("descriptor", from).Warn("Ignoring unknown descriptor in mapping")
			continue
		}
		m[d] = to
	}
	return m
}

// Name returns the output name for d.
func (m DescriptorMap) Name(d models.Descriptor) string {
	if name, ok := m[d]; ok {
		return name
	}
	return string(d)
}
