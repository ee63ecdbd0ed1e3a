package writer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"
)

// ZipFiles writes files into a new archive at zipPath, each stored under its
// base name.
func ZipFiles(zipPath string, files ...string) error {
	return zipEntries(zipPath, func(zw *zip.Writer) error {
		for _, name := range files {
			if err := addFile(zw, name, filepath.Base(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ZipDir archives every regular file under dir, named relative to root.
func ZipDir(zipPath, dir, root string) error {
	return zipEntries(zipPath, func(zw *zip.Writer) error {
		return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			return addFile(zw, path, filepath.ToSlash(rel))
		})
	})
}

func zipEntries(zipPath string, fill func(*zip.Writer) error) (err error) {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("error creating archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(zipPath)
		}
	}()

	zw := zip.NewWriter(f)
	if err := fill(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening %s for archive: %w", path, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("error adding %s to archive: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("error archiving %s: %w", name, err)
	}
	return nil
}

// MergeBySubject combines the archives of every subject that has more than
// one into dir/<subject>_merged.zip, removing the originals. Entries without
// a subject are left alone. The returned manifest lists the surviving
// archives.
func MergeBySubject(m *Manifest, dir string) (*Manifest, error) {
	bySubject := map[string][]ManifestEntry{}
	for _, e := range m.Entries() {
		bySubject[e.SubjectID] = append(bySubject[e.SubjectID], e)
	}

	out := &Manifest{}
	for _, subject := range m.Subjects() {
		entries := bySubject[subject]
		if subject == "" || len(entries) < 2 {
			for _, e := range entries {
				out.Add(e)
			}
			continue
		}

		merged := filepath.Join(dir, fileSafe(subject)+"_merged.zip")
		paths := make([]string, len(entries))
		for i, e := range entries {
			paths[i] = e.Path
		}
		if err := mergeArchives(merged, paths); err != nil {
			return nil, fmt.Errorf("error merging archives for %s: %w", subject, err)
		}
		for _, p := range paths {
			if err := os.Remove(p); err != nil {
				log.WithError(err).WithField("file", p).Warn("Could not remove merged archive")
			}
		}
		log.WithFields(log.Fields{"subject": subject, "archives": len(paths), "file": merged}).
			Info("Merged subject archives")
		out.Add(ManifestEntry{SubjectID: subject, Path: merged})
	}
	return out, nil
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")

// fileSafe turns a subject ID into a single path element.
func fileSafe(s string) string {
	return unsafeName.Replace(s)
}

func mergeArchives(dst string, srcs []string) error {
	return zipEntries(dst, func(zw *zip.Writer) error {
		for _, src := range srcs {
			zr, err := zip.OpenReader(src)
			if err != nil {
				return fmt.Errorf("error opening %s: %w", src, err)
			}
			for _, f := range zr.File {
				if err := zw.Copy(f); err != nil {
					zr.Close()
					return fmt.Errorf("error copying %s from %s: %w", f.Name, src, err)
				}
			}
			zr.Close()
		}
		return nil
	})
}
