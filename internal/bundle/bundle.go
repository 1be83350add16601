// Package bundle reads tiles from ArcGIS compact caches. A bundle packs a
// 128x128 block of tiles of one zoom level:
//
//	V1  R0080C0100.bundlx  16 B header, 5 B offsets, 16 B footer
//	    R0080C0100.bundle  4 B size word at each offset, tile data after it
//	V2  R0080C0100.bundle  64 B header, 8 B entries (5 B offset, 3 B size), data
//
// Bundles are produced by external tools and are never written here.
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"tilecache/internal/tile"
)

// Tiles per bundle edge.
const Size = 128

const (
	v1HeaderSize = 16
	v1EntrySize  = 5
	v2HeaderSize = 64
	v2EntrySize  = 8
	sizeWordLen  = 4
)

var (
	// ErrNoBundle is returned when neither bundle layout exists on disk.
	ErrNoBundle = errors.New("bundle files not found")
	// ErrCorrupt is returned when an index or size word lies past end-of-file.
	ErrCorrupt = errors.New("bundle index points past end of file")
)

// Layout is the on-disk bundle version.
type Layout int

const (
	LayoutV1 Layout = iota + 1
	LayoutV2
)

func (l Layout) String() string {
	switch l {
	case LayoutV1:
		return "v1"
	case LayoutV2:
		return "v2"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Entry locates one tile inside a bundle data file. Size <= 0 means no tile.
type Entry struct {
	Path   string
	Offset int64
	Size   int64
}

// Exists reports whether the entry points at tile data.
func (e Entry) Exists() bool { return e.Size > 0 }

// BaseName returns the file name without extension of the bundle holding
// (row, col), e.g. "R0080C0100".
func BaseName(row, col int64) string {
	return fmt.Sprintf("R%04xC%04x", row/Size*Size, col/Size*Size)
}

// LevelDir returns the directory of zoom level z, e.g. "L05".
func LevelDir(z int) string {
	return fmt.Sprintf("L%02d", z)
}

// Bundle is an opened bundle. Its layout is resolved once by Open.
type Bundle struct {
	fs     afero.Fs
	layout Layout
	index  string
	data   string
}

// Open detects the layout of the bundle whose files share base path (without
// extension). A .bundlx file selects V1; a lone .bundle file selects V2.
func Open(fsys afero.Fs, base string) (*Bundle, error) {
	var b = &Bundle{fs: fsys, data: base + ".bundle"}

	if exists(fsys, base+".bundlx") {
		b.layout, b.index = LayoutV1, base+".bundlx"
	} else if exists(fsys, b.data) {
		b.layout, b.index = LayoutV2, b.data
	} else {
		return nil, ErrNoBundle
	}
	return b, nil
}

// Layout returns the detected layout.
func (b *Bundle) Layout() Layout { return b.layout }

// DataPath returns the path of the file holding tile bytes.
func (b *Bundle) DataPath() string { return b.data }

// Entry decodes the index entry of (row, col). Coordinates are taken modulo
// the bundle size.
func (b *Bundle) Entry(row, col int64) (Entry, error) {
	row, col = row%Size, col%Size

	switch b.layout {
	case LayoutV1:
		pos := v1HeaderSize + v1EntrySize*(Size*col+row)
		var buf [8]byte
		if err := b.readAt(b.index, buf[:v1EntrySize], pos); err != nil {
			return Entry{}, err
		}
		offset := int64(binary.LittleEndian.Uint64(buf[:]))

		var word [sizeWordLen]byte
		if err := b.readAt(b.data, word[:], offset); err != nil {
			return Entry{}, err
		}
		return Entry{
			Path:   b.data,
			Offset: offset + sizeWordLen,
			Size:   int64(binary.LittleEndian.Uint32(word[:])),
		}, nil

	case LayoutV2:
		pos := v2HeaderSize + v2EntrySize*(Size*row+col)
		var buf [v2EntrySize]byte
		if err := b.readAt(b.index, buf[:], pos); err != nil {
			return Entry{}, err
		}
		v := binary.LittleEndian.Uint64(buf[:])
		return Entry{
			Path:   b.data,
			Offset: int64(v & 0xFFFFFFFFFF),
			Size:   int64(v >> 40),
		}, nil
	}
	return Entry{}, fmt.Errorf("unknown bundle layout %v", b.layout)
}

// Tile returns the bytes of (row, col), or ok == false if the position is
// empty.
func (b *Bundle) Tile(row, col int64) (data []byte, ok bool, err error) {
	e, err := b.Entry(row, col)
	if err != nil || !e.Exists() {
		return nil, false, err
	}
	data, err = ReadEntry(b.fs, e)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ReadEntry reads the tile bytes located by e. An entry reaching past the
// end of its data file returns ErrCorrupt without reading.
func ReadEntry(fsys afero.Fs, e Entry) ([]byte, error) {
	info, err := fsys.Stat(e.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoBundle
	} else if err != nil {
		return nil, tile.NewStorageError("stat bundle", e.Path, err)
	}
	if e.Offset < 0 || e.Size < 0 || e.Size > info.Size()-e.Offset {
		return nil, tile.NewStorageError("read bundle", e.Path, ErrCorrupt)
	}

	var data = make([]byte, e.Size)
	if err := readAt(fsys, e.Path, data, e.Offset); err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Bundle) readAt(path string, buf []byte, off int64) error {
	return readAt(b.fs, path, buf, off)
}

func readAt(fsys afero.Fs, path string, buf []byte, off int64) error {
	f, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoBundle
	} else if err != nil {
		return tile.NewStorageError("open bundle", path, err)
	}
	defer f.Close()

	if _, err = f.ReadAt(buf, off); errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return tile.NewStorageError("read bundle", path, ErrCorrupt)
	} else if err != nil {
		return tile.NewStorageError("read bundle", path, err)
	}
	return nil
}

func exists(fsys afero.Fs, path string) bool {
	info, err := fsys.Stat(path)
	return err == nil && !info.IsDir()
}

// Path returns the base path (without extension) of the bundle holding tile
// (row, col) at zoom z below root.
func Path(root string, z int, row, col int64) string {
	return filepath.Join(root, LevelDir(z), BaseName(row, col))
}
