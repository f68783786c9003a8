package scalar

import (
	"encoding/json"
	"fmt"
	"time"

	"vectordb/internal/common"
)

const NamespaceCatalog = "catalog"

var keyManifest = []byte("manifest")

// CollectionRecord is the durable definition of a collection.
type CollectionRecord struct {
	Name        string             `json:"name"`
	InstanceID  string             `json:"instance_id"`
	Dimension   int                `json:"dimension"`
	Metric      common.Metric      `json:"metric"`
	IndexConfig common.IndexConfig `json:"index_config"`
	CreatedAt   time.Time          `json:"created_at"`
}

type DatabaseRecord struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Metadata    common.Metadata    `json:"metadata,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	Collections []CollectionRecord `json:"collections"`
}

// Manifest lists every database with its collections.
type Manifest struct {
	Databases []DatabaseRecord `json:"databases"`
}

// Catalog persists the registry manifest as a single key, so every save
// replaces the previous definition set atomically.
type Catalog struct {
	storage ScalarStorage
}

// OpenCatalog opens the nutsdb-backed catalog under dir.
func OpenCatalog(dir string) (*Catalog, error) {
	storage, err := NewScalarStorage(&ScalarOption{
		DIR:     dir,
		Buckets: []string{NamespaceCatalog},
	})
	if err != nil {
		return nil, err
	}
	return NewCatalog(storage), nil
}

// NewCatalog creates a catalog on top of an existing storage.
func NewCatalog(storage ScalarStorage) *Catalog {
	return &Catalog{storage: storage}
}

// Load returns the stored manifest, or an empty one on first start.
func (c *Catalog) Load() (*Manifest, error) {
	data, err := c.storage.Get(NamespaceCatalog, keyManifest)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &Manifest{}, nil
	}

	m, err := common.JSONUnmarshal[Manifest](data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode catalog manifest: %w", err)
	}
	for i := range m.Databases {
		md, err := common.NormalizeMetadata(m.Databases[i].Metadata)
		if err != nil {
			return nil, fmt.Errorf("database %s: %w", m.Databases[i].Name, err)
		}
		m.Databases[i].Metadata = md
	}
	return &m, nil
}

// Save persists m as the catalog manifest.
func (c *Catalog) Save(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode catalog manifest: %w", err)
	}
	return c.storage.Put(NamespaceCatalog, keyManifest, data)
}

func (c *Catalog) Close() error {
	return c.storage.Close()
}
