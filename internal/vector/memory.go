package vector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/setsumei/pkg/utils"
)

var fileMagic = []byte("STSV1\x00")

// MemoryIndex is an in-memory index using brute-force inner product search over normalized
// vectors.
type MemoryIndex struct {
	dimensions int
	pos        map[string]int
	ids        []string
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		pos:        make(map[string]int),
	}, nil
}

// Dimensions returns the vector length.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Upsert normalizes vec and stores it under id.
func (m *MemoryIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	if len(vec) != m.dimensions {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(vec), m.dimensions)
	}
	norm := utils.NormalizeL2(vec)
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.pos[id]; ok {
		m.vectors[i] = norm
		return nil
	}
	m.pos[id] = len(m.ids)
	m.ids = append(m.ids, id)
	m.vectors = append(m.vectors, norm)
	return nil
}

// Get returns a copy of the stored (normalized) vector for id.
func (m *MemoryIndex) Get(id string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.pos[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, m.dimensions)
	copy(out, m.vectors[i])
	return out, true
}

// Search returns the top-k vectors by cosine similarity, skipping excluded IDs. Equal scores
// are ordered by ID.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, exclude ...string) ([]*Result, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimension, len(query), m.dimensions)
	}
	q := utils.NormalizeL2(query)
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	scores := make([]*Result, 0, len(m.ids))
	for i, vec := range m.vectors {
		if skip[m.ids[i]] {
			continue
		}
		var dot float64
		for j := range vec {
			dot += float64(q[j]) * float64(vec[j])
		}
		scores = append(scores, &Result{ID: m.ids[i], Score: dot})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})
	if k < len(scores) {
		scores = scores[:k]
	}
	return scores, nil
}

// Remove deletes vectors by ID. Unknown IDs are ignored.
func (m *MemoryIndex) Remove(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		i, ok := m.pos[id]
		if !ok {
			continue
		}
		last := len(m.ids) - 1
		if i != last {
			m.ids[i] = m.ids[last]
			m.vectors[i] = m.vectors[last]
			m.pos[m.ids[i]] = i
		}
		m.ids = m.ids[:last]
		m.vectors = m.vectors[:last]
		delete(m.pos, id)
	}
	return nil
}

// Save persists the index to path through a temporary file and rename. Format: magic,
// dimension (4), n (4), then per vector: idLen (4), id bytes, vector (dimension*4 bytes).
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	m.mu.RLock()
	var buf bytes.Buffer
	buf.Write(fileMagic)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(m.dimensions))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(m.ids)))
	for i, id := range m.ids {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(id)))
		buf.WriteString(id)
		buf.Write(float32SliceToBytes(m.vectors[i]))
	}
	m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat index file: %w", err)
	}
	r := bufio.NewReader(f)

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, fileMagic) {
		return fmt.Errorf("%s is not a vector index file", path)
	}
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimension, dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	// Counts and lengths are checked against the bytes left in the file before allocating.
	remaining := info.Size() - int64(len(fileMagic)) - 8
	entryMin := int64(4 + m.dimensions*4)
	if int64(n) > remaining/entryMin {
		return fmt.Errorf("%w: %d vectors do not fit in %d bytes", ErrCorrupt, n, remaining)
	}

	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	pos := make(map[string]int, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("read id len: %w", err)
		}
		remaining -= entryMin
		if int64(idLen) > remaining {
			return fmt.Errorf("%w: id length %d exceeds remaining %d bytes", ErrCorrupt, idLen, remaining)
		}
		remaining -= int64(idLen)
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		id := string(idBytes)
		pos[id] = len(ids)
		ids = append(ids, id)
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids, m.vectors, m.pos = ids, vectors, pos
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	out := make([]byte, len(s)*4)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
