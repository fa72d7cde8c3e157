package identity

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/google/uuid"

	"github.com/your-org/mediaflow/internal/models"
)

const (
	IndexArtifact = "face_index.bin"
	MapArtifact   = "face_id_map.bin"

	artifactVersion uint16 = 3
)

var (
	indexMagic = [4]byte{'M', 'F', 'I', 'X'}
	mapMagic   = [4]byte{'M', 'F', 'I', 'D'}

	errCorruptArtifact = errors.New("corrupt index artifact")
)

// artifactHeader is shared by both files; the build id pairs them.
// Faces and MaxFaceID record the ledger watermark the build was taken at.
type artifactHeader struct {
	Magic     [4]byte
	Version   uint16
	Dim       uint32
	Count     uint64
	Epoch     int64
	Faces     int64
	MaxFaceID int64
	BuildID   [16]byte
}

func encodeArtifacts(s *snapshot) (indexData, mapData []byte, err error) {
	header := artifactHeader{
		Version:   artifactVersion,
		Dim:       uint32(s.dim),
		Count:     uint64(len(s.faceIDs)),
		Epoch:     s.epoch,
		Faces:     s.faces.Count,
		MaxFaceID: s.faces.MaxID,
		BuildID:   s.buildID,
	}

	var ib bytes.Buffer
	header.Magic = indexMagic
	if err := binary.Write(&ib, binary.LittleEndian, header); err != nil {
		return nil, nil, fmt.Errorf("write index header: %w", err)
	}
	payload := make([]byte, 4*len(s.vectors))
	for i, f := range s.vectors {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(f))
	}
	ib.Write(payload)
	if err := binary.Write(&ib, binary.LittleEndian, crc32.ChecksumIEEE(payload)); err != nil {
		return nil, nil, fmt.Errorf("write index checksum: %w", err)
	}

	var mb bytes.Buffer
	header.Magic = mapMagic
	if err := binary.Write(&mb, binary.LittleEndian, header); err != nil {
		return nil, nil, fmt.Errorf("write map header: %w", err)
	}
	ids := make([]byte, 16*len(s.faceIDs))
	for i := range s.faceIDs {
		binary.LittleEndian.PutUint64(ids[16*i:], uint64(s.faceIDs[i]))
		binary.LittleEndian.PutUint64(ids[16*i+8:], uint64(s.clusters[i]))
	}
	mb.Write(ids)
	if err := binary.Write(&mb, binary.LittleEndian, crc32.ChecksumIEEE(ids)); err != nil {
		return nil, nil, fmt.Errorf("write map checksum: %w", err)
	}

	return ib.Bytes(), mb.Bytes(), nil
}

// decodeArtifacts verifies that the two files belong to the same build, have
// the expected dimension and intact payloads.
func decodeArtifacts(indexData, mapData []byte, dim int) (*snapshot, error) {
	ih, ipayload, err := readArtifact(indexData, indexMagic, 4*dim)
	if err != nil {
		return nil, fmt.Errorf("index file: %w", err)
	}
	mh, mpayload, err := readArtifact(mapData, mapMagic, 16)
	if err != nil {
		return nil, fmt.Errorf("id map file: %w", err)
	}
	if int(ih.Dim) != dim || int(mh.Dim) != dim {
		return nil, fmt.Errorf("%w: dimension %d/%d, want %d", errCorruptArtifact, ih.Dim, mh.Dim, dim)
	}
	if ih.BuildID != mh.BuildID || ih.Count != mh.Count || ih.Epoch != mh.Epoch ||
		ih.Faces != mh.Faces || ih.MaxFaceID != mh.MaxFaceID {
		return nil, fmt.Errorf("%w: index and id map are not paired", errCorruptArtifact)
	}

	n := int(ih.Count)
	s := &snapshot{
		dim:      dim,
		epoch:    ih.Epoch,
		faces:    models.FaceWatermark{Count: ih.Faces, MaxID: ih.MaxFaceID},
		buildID:  ih.BuildID,
		vectors:  make([]float32, n*dim),
		faceIDs:  make([]int64, n),
		clusters: make([]int64, n),
	}
	for i := range s.vectors {
		s.vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(ipayload[4*i:]))
	}
	for i := 0; i < n; i++ {
		s.faceIDs[i] = int64(binary.LittleEndian.Uint64(mpayload[16*i:]))
		s.clusters[i] = int64(binary.LittleEndian.Uint64(mpayload[16*i+8:]))
	}
	return s, nil
}

func readArtifact(data []byte, magic [4]byte, rowSize int) (artifactHeader, []byte, error) {
	var h artifactHeader
	hsize := binary.Size(h)
	if len(data) < hsize+4 {
		return h, nil, fmt.Errorf("%w: truncated header", errCorruptArtifact)
	}
	if err := binary.Read(bytes.NewReader(data[:hsize]), binary.LittleEndian, &h); err != nil {
		return h, nil, fmt.Errorf("%w: %v", errCorruptArtifact, err)
	}
	if h.Magic != magic {
		return h, nil, fmt.Errorf("%w: bad magic", errCorruptArtifact)
	}
	if h.Version != artifactVersion {
		return h, nil, fmt.Errorf("%w: version %d, want %d", errCorruptArtifact, h.Version, artifactVersion)
	}
	want := uint64(hsize) + h.Count*uint64(rowSize) + 4
	if uint64(len(data)) != want {
		return h, nil, fmt.Errorf("%w: size %d, want %d", errCorruptArtifact, len(data), want)
	}
	payload := data[hsize : len(data)-4]
	sum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != sum {
		return h, nil, fmt.Errorf("%w: checksum mismatch", errCorruptArtifact)
	}
	return h, payload, nil
}

func newBuildID() [16]byte {
	return uuid.New()
}
