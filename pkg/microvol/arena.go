package microvol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
)

// ErrReleased is returned by an arena used after Release.
var ErrReleased = errors.New("arena released")

// Arena owns the voxel storage of a loaded volume. Data is addressed one
// plane of one frame at a time so callers never need a whole frame in memory.
type Arena interface {
	ReadPlane(frame, plane int, dst []float32) error
	WritePlane(frame, plane int, src []float32) error
	// Release frees the storage. It is safe to call more than once.
	Release() error
}

// ArenaFactory creates storage for frames x planes planes of planeLen voxels.
type ArenaFactory func(frames, planes, planeLen int) (Arena, error)

// HeapArena keeps every plane in memory.
type HeapArena struct {
	planes   int
	planeLen int
	data     []float32
}

// NewHeapArena is an ArenaFactory backed by a single slice.
func NewHeapArena(frames, planes, planeLen int) (Arena, error) {
	return &HeapArena{
		planes:   planes,
		planeLen: planeLen,
		data:     make([]float32, frames*planes*planeLen),
	}, nil
}

func (a *HeapArena) offset(frame, plane int) (int, error) {
	if a.data == nil {
		return 0, ErrReleased
	}
	off := (frame*a.planes + plane) * a.planeLen
	if frame < 0 || plane < 0 || plane >= a.planes || off+a.planeLen > len(a.data) {
		return 0, fmt.Errorf("plane %d of frame %d out of range", plane, frame)
	}
	return off, nil
}

func (a *HeapArena) ReadPlane(frame, plane int, dst []float32) error {
	off, err := a.offset(frame, plane)
	if err != nil {
		return err
	}
	copy(dst, a.data[off:off+a.planeLen])
	return nil
}

func (a *HeapArena) WritePlane(frame, plane int, src []float32) error {
	off, err := a.offset(frame, plane)
	if err != nil {
		return err
	}
	copy(a.data[off:off+a.planeLen], src)
	return nil
}

func (a *HeapArena) Release() error {
	a.data = nil
	return nil
}

// FileArena stores planes as little-endian float32 in a scratch file.
type FileArena struct {
	mu       sync.Mutex
	file     *os.File
	planes   int
	planeLen int
	frames   int
	buf      []byte
}

// FileArenaFactory returns an ArenaFactory creating scratch files in dir
// (the system temp dir when empty).
func FileArenaFactory(dir string) ArenaFactory {
	return func(frames, planes, planeLen int) (Arena, error) {
		f, err := os.CreateTemp(dir, "splitmice-*.dat")
		if err != nil {
			return nil, fmt.Errorf("error creating scratch file: %w", err)
		}
		size := int64(frames) * int64(planes) * int64(planeLen) * 4
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("error sizing scratch file: %w", err)
		}
		return &FileArena{
			file:     f,
			planes:   planes,
			planeLen: planeLen,
			frames:   frames,
			buf:      make([]byte, planeLen*4),
		}, nil
	}
}

// Path returns the scratch file location.
func (a *FileArena) Path() string {
	if a.file == nil {
		return ""
	}
	return a.file.Name()
}

func (a *FileArena) offset(frame, plane int) (int64, error) {
	if a.file == nil {
		return 0, ErrReleased
	}
	if frame < 0 || frame >= a.frames || plane < 0 || plane >= a.planes {
		return 0, fmt.Errorf("plane %d of frame %d out of range", plane, frame)
	}
	return (int64(frame)*int64(a.planes) + int64(plane)) * int64(a.planeLen) * 4, nil
}

func (a *FileArena) ReadPlane(frame, plane int, dst []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	off, err := a.offset(frame, plane)
	if err != nil {
		return err
	}
	if _, err := a.file.ReadAt(a.buf, off); err != nil {
		return fmt.Errorf("error reading scratch plane: %w", err)
	}
	for i := range a.planeLen {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.buf[i*4:]))
	}
	return nil
}

func (a *FileArena) WritePlane(frame, plane int, src []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	off, err := a.offset(frame, plane)
	if err != nil {
		return err
	}
	for i := range a.planeLen {
		binary.LittleEndian.PutUint32(a.buf[i*4:], math.Float32bits(src[i]))
	}
	if _, err := a.file.WriteAt(a.buf, off); err != nil {
		return fmt.Errorf("error writing scratch plane: %w", err)
	}
	return nil
}

func (a *FileArena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	name := a.file.Name()
	cerr := a.file.Close()
	a.file = nil
	if err := os.Remove(name); err != nil {
		return err
	}
	return cerr
}
