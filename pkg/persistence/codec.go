package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/engine"
)

// Binary format constants
const (
	MagicBytes    = "VXPD" // voxd project magic identifier
	FormatVersion = 1
)

// Header for the binary snapshot format
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	NameLen  uint32
	DataLen  uint64
	Checksum uint32
}

const (
	FlagCompressed uint16 = 1 << 0
)

// Codec handles encoding/decoding of project snapshots
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a new codec
func NewCodec(compress bool) *Codec {
	return &Codec{
		compress:  compress,
		compLevel: gzip.BestSpeed, // Fast compression
	}
}

// ---------------------------------------------------------------------------
// Snapshot representation: flat voxel lists, independent of the
// engine's in-memory map layout.
// ---------------------------------------------------------------------------

type voxelSnapshot struct {
	X     int32  `msgpack:"x"`
	Y     int32  `msgpack:"y"`
	Z     int32  `msgpack:"z"`
	Color uint32 `msgpack:"c"`
}

type layerSnapshot struct {
	ID      int             `msgpack:"id"`
	Name    string          `msgpack:"name"`
	Visible bool            `msgpack:"visible"`
	Voxels  []voxelSnapshot `msgpack:"voxels"`
}

type projectSnapshot struct {
	Name        string          `msgpack:"name"`
	CreatedAt   int64           `msgpack:"created_at"`
	ModifiedAt  int64           `msgpack:"modified_at"`
	ActiveLayer int             `msgpack:"active_layer"`
	Layers      []layerSnapshot `msgpack:"layers"`
}

func snapshotProject(p *engine.Project) projectSnapshot {
	snap := projectSnapshot{
		Name:        p.Name,
		CreatedAt:   p.CreatedAt.Unix(),
		ModifiedAt:  p.ModifiedAt.Unix(),
		ActiveLayer: p.ActiveLayer,
		Layers:      make([]layerSnapshot, 0, len(p.Layers)),
	}
	for _, l := range p.Layers {
		ls := layerSnapshot{
			ID:      l.ID,
			Name:    l.Name,
			Visible: l.Visible,
			Voxels:  make([]voxelSnapshot, 0, len(l.Voxels)),
		}
		for c, color := range l.Voxels {
			ls.Voxels = append(ls.Voxels, voxelSnapshot{
				X: c.X, Y: c.Y, Z: c.Z, Color: color.Packed(),
			})
		}
		snap.Layers = append(snap.Layers, ls)
	}
	return snap
}

func (snap projectSnapshot) restore() *engine.Project {
	p := &engine.Project{
		Name:        snap.Name,
		CreatedAt:   time.Unix(snap.CreatedAt, 0).UTC(),
		ModifiedAt:  time.Unix(snap.ModifiedAt, 0).UTC(),
		ActiveLayer: snap.ActiveLayer,
		Layers:      make([]*engine.Layer, 0, len(snap.Layers)),
	}
	for _, ls := range snap.Layers {
		l := engine.NewLayer(ls.ID, ls.Name)
		l.Visible = ls.Visible
		for _, v := range ls.Voxels {
			l.Voxels[engine.Coord{X: v.X, Y: v.Y, Z: v.Z}] = engine.Color{
				R: uint8(v.Color >> 24),
				G: uint8(v.Color >> 16),
				B: uint8(v.Color >> 8),
				A: uint8(v.Color),
			}
		}
		p.Layers = append(p.Layers, l)
	}
	if p.ActiveLayer < 0 || p.ActiveLayer >= len(p.Layers) {
		p.ActiveLayer = 0
	}
	p.RestoreLayerIDs()
	return p
}

// Encode serializes a project to the binary snapshot format
func (c *Codec) Encode(p *engine.Project) ([]byte, error) {
	// First, encode with msgpack
	data, err := msgpack.Marshal(snapshotProject(p))
	if err != nil {
		return nil, err
	}

	// Optionally compress
	var flags uint16 = 0
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	// Build header
	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		NameLen:  uint32(len(p.Name)),
		DataLen:  uint64(len(data)),
		Checksum: c.checksum(data),
	}
	copy(header.Magic[:], MagicBytes)

	// Serialize header + name + data
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if _, err := buf.WriteString(p.Name); err != nil {
		return nil, err
	}
	if _, err := buf.Write(data); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode deserializes the binary snapshot format to a project
func (c *Codec) Decode(raw []byte) (*engine.Project, error) {
	if len(raw) < 24 { // Minimum header size
		return nil, fmt.Errorf("%w: data too short", core.ErrSnapshotCorrupt)
	}

	buf := bytes.NewReader(raw)

	var header Header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSnapshotCorrupt, err)
	}

	if string(header.Magic[:]) != MagicBytes {
		return nil, fmt.Errorf("%w: invalid magic bytes", core.ErrSnapshotCorrupt)
	}
	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", core.ErrSnapshotCorrupt, header.Version)
	}

	name := make([]byte, header.NameLen)
	if _, err := io.ReadFull(buf, name); err != nil {
		return nil, fmt.Errorf("%w: truncated name", core.ErrSnapshotCorrupt)
	}

	data := make([]byte, header.DataLen)
	if _, err := io.ReadFull(buf, data); err != nil {
		return nil, fmt.Errorf("%w: truncated body", core.ErrSnapshotCorrupt)
	}

	if c.checksum(data) != header.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", core.ErrSnapshotCorrupt)
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := c.decompressData(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrSnapshotCorrupt, err)
		}
		data = decompressed
	}

	var snap projectSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSnapshotCorrupt, err)
	}

	return snap.restore(), nil
}

// compressData compresses using gzip
func (c *Codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decompressData decompresses gzip data
func (c *Codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// checksum calculates a simple checksum
func (c *Codec) checksum(data []byte) uint32 {
	var sum uint32 = 0
	for i := 0; i < len(data); i++ {
		sum = sum*31 + uint32(data[i])
	}
	return sum
}
