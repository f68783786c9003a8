// Package vecdb is the engine: a registry of databases holding collections,
// each pairing a point store with an ANN index.
package vecdb

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"vectordb/internal/common"
	"vectordb/internal/errs"
	"vectordb/internal/scalar"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

func validateName(kind, name string) error {
	if name == "" {
		return errs.InvalidArgument("%s name must be non-empty", kind)
	}
	if !namePattern.MatchString(name) {
		return errs.InvalidArgument("%s name %q must match [A-Za-z0-9_-]{1,128}", kind, name)
	}
	return nil
}

type database struct {
	name        string
	description string
	metadata    common.Metadata
	createdAt   time.Time
	updatedAt   time.Time
	collections map[string]*Collection
}

func (d *database) info() DatabaseInfo {
	return DatabaseInfo{
		Name:        d.name,
		Description: d.description,
		Metadata:    d.metadata.Clone(),
		Collections: len(d.collections),
		CreatedAt:   d.createdAt,
		UpdatedAt:   d.updatedAt,
	}
}

// Registry is the catalog of databases and collections. It is the only
// process-wide engine state.
type Registry struct {
	mu        sync.RWMutex
	databases map[string]*database

	opts    Options
	pool    *semaphore.Weighted
	catalog *scalar.Catalog

	compactNow chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

// Open builds a registry. With a data directory it loads the catalog, then
// every collection's snapshot and log. The default database always exists
// afterwards.
func Open(ctx context.Context, opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	r := &Registry{
		databases:  make(map[string]*database),
		opts:       opts,
		pool:       semaphore.NewWeighted(opts.WorkerSlots),
		compactNow: make(chan struct{}, 1),
	}

	if opts.DataDir != "" {
		catalog, err := scalar.OpenCatalog(filepath.Join(opts.DataDir, "catalog"))
		if err != nil {
			return nil, errs.Wrap(err, errs.KindInternal, "failed to open catalog")
		}
		r.catalog = catalog
		if err := r.load(ctx); err != nil {
			for _, c := range r.collections() {
				c.release()
			}
			catalog.Close()
			return nil, err
		}
	}

	if _, err := r.CreateDatabase(opts.DefaultDatabase, "default database", nil); err != nil && !errs.Is(err, errs.KindAlreadyExists) {
		r.Close()
		return nil, err
	}

	if opts.CompactionInterval > 0 {
		bg, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.wg.Add(1)
		go r.runCompactor(bg)
	}
	return r, nil
}

func (r *Registry) load(ctx context.Context) error {
	manifest, err := r.catalog.Load()
	if err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to load catalog")
	}

	for _, rec := range manifest.Databases {
		db := &database{
			name:        rec.Name,
			description: rec.Description,
			metadata:    rec.Metadata,
			createdAt:   rec.CreatedAt,
			updatedAt:   rec.CreatedAt,
			collections: make(map[string]*Collection, len(rec.Collections)),
		}
		r.databases[rec.Name] = db

		for _, cr := range rec.Collections {
			c, err := r.newCollection(collectionDef{
				id:        cr.InstanceID,
				name:      cr.Name,
				database:  rec.Name,
				dimension: cr.Dimension,
				metric:    cr.Metric,
				cfg:       cr.IndexConfig,
				createdAt: cr.CreatedAt,
			})
			if err != nil {
				return err
			}
			if err := c.restore(ctx); err != nil {
				c.release()
				return err
			}
			db.collections[cr.Name] = c
		}
	}
	r.opts.Logger.Info("Catalog loaded", "databases", len(r.databases))
	return nil
}

func (r *Registry) newCollection(def collectionDef) (*Collection, error) {
	c, err := newCollection(def, r.opts, r.pool)
	if err != nil {
		return nil, err
	}
	c.onTombstones = r.triggerCompaction
	return c, nil
}

// saveCatalog persists the current definitions. Requires r.mu held.
func (r *Registry) saveCatalog() error {
	if r.catalog == nil {
		return nil
	}
	manifest := &scalar.Manifest{}
	for _, name := range sortedKeys(r.databases) {
		db := r.databases[name]
		rec := scalar.DatabaseRecord{
			Name:        db.name,
			Description: db.description,
			Metadata:    db.metadata,
			CreatedAt:   db.createdAt,
			Collections: []scalar.CollectionRecord{},
		}
		for _, cname := range sortedKeys(db.collections) {
			c := db.collections[cname]
			rec.Collections = append(rec.Collections, scalar.CollectionRecord{
				Name:        c.name,
				InstanceID:  c.id,
				Dimension:   c.dimension,
				Metric:      c.metric,
				IndexConfig: c.cfg,
				CreatedAt:   c.createdAt,
			})
		}
		manifest.Databases = append(manifest.Databases, rec)
	}
	if err := r.catalog.Save(manifest); err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to save catalog")
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

func (r *Registry) databaseLocked(name string) (*database, error) {
	db, ok := r.databases[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("database %q not found", name), errs.FieldDatabase(name))
	}
	return db, nil
}

func (r *Registry) checkOpen() error {
	if r.closed {
		return errs.FailedPrecondition("registry is closed")
	}
	return nil
}

// DefaultDatabase returns the name of the database created at startup.
func (r *Registry) DefaultDatabase() string {
	return r.opts.DefaultDatabase
}

// CreateDatabase registers a new empty database and persists it to the catalog.
func (r *Registry) CreateDatabase(name, description string, metadata map[string]any) (DatabaseInfo, error) {
	if err := validateName("database", name); err != nil {
		return DatabaseInfo{}, err
	}
	md, err := common.NormalizeMetadata(metadata)
	if err != nil {
		return DatabaseInfo{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return DatabaseInfo{}, err
	}
	if _, ok := r.databases[name]; ok {
		return DatabaseInfo{}, errs.New(errs.KindAlreadyExists, fmt.Sprintf("database %q already exists", name), errs.FieldDatabase(name))
	}

	now := time.Now().UTC()
	db := &database{
		name:        name,
		description: description,
		metadata:    md,
		createdAt:   now,
		updatedAt:   now,
		collections: make(map[string]*Collection),
	}
	r.databases[name] = db
	if err := r.saveCatalog(); err != nil {
		delete(r.databases, name)
		return DatabaseInfo{}, err
	}
	return db.info(), nil
}

// GetDatabase returns a snapshot of the named database.
func (r *Registry) GetDatabase(name string) (DatabaseInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, err := r.databaseLocked(name)
	if err != nil {
		return DatabaseInfo{}, err
	}
	return db.info(), nil
}

// ListDatabases returns every database sorted by name.
func (r *Registry) ListDatabases() []DatabaseInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(sortedKeys(r.databases), func(name string, _ int) DatabaseInfo {
		return r.databases[name].info()
	})
}

// DeleteDatabase removes a database. A database holding collections is
// only removed with cascade, dropping each collection independently.
func (r *Registry) DeleteDatabase(name string, cascade bool) error {
	r.mu.Lock()
	db, err := r.databaseLocked(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if len(db.collections) > 0 && !cascade {
		r.mu.Unlock()
		return errs.New(errs.KindFailedPrecondition,
			fmt.Sprintf("database %q holds %d collections; delete them first or pass cascade=true", name, len(db.collections)),
			errs.FieldDatabase(name))
	}
	delete(r.databases, name)
	if err := r.saveCatalog(); err != nil {
		r.databases[name] = db
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	var firstErr error
	for _, cname := range sortedKeys(db.collections) {
		if err := db.collections[cname].destroy(); err != nil {
			r.opts.Logger.Warn("Failed to remove collection files", "database", name, "collection", cname, "error", err)
			if firstErr == nil {
				firstErr = errs.Wrap(err, errs.KindInternal, "failed to drop collection", errs.FieldDatabase(name), errs.FieldCollection(cname))
			}
		}
	}
	return firstErr
}

// CreateCollection validates params and registers an empty collection.
func (r *Registry) CreateCollection(dbName string, params CreateCollectionParams) (CollectionInfo, error) {
	if err := validateName("collection", params.Name); err != nil {
		return CollectionInfo{}, err
	}
	if err := common.ValidateDimension(params.Dimension); err != nil {
		return CollectionInfo{}, err
	}
	switch params.Metric {
	case common.MetricCosine, common.MetricEuclidean, common.MetricDotProduct:
	case "":
		return CollectionInfo{}, errs.InvalidArgument("metric is required")
	default:
		return CollectionInfo{}, errs.InvalidArgument("unsupported metric %q", params.Metric)
	}
	cfg := params.IndexConfig.WithDefaults()
	if err := cfg.Validate(r.opts.HnswMMin, r.opts.HnswMMax); err != nil {
		return CollectionInfo{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return CollectionInfo{}, err
	}
	db, err := r.databaseLocked(dbName)
	if err != nil {
		return CollectionInfo{}, err
	}
	if _, ok := db.collections[params.Name]; ok {
		return CollectionInfo{}, errs.New(errs.KindAlreadyExists,
			fmt.Sprintf("collection %q already exists in database %q", params.Name, dbName),
			errs.FieldDatabase(dbName), errs.FieldCollection(params.Name))
	}

	c, err := r.newCollection(collectionDef{
		id:        uuid.NewString(),
		name:      params.Name,
		database:  dbName,
		dimension: params.Dimension,
		metric:    params.Metric,
		cfg:       cfg,
		createdAt: time.Now().UTC(),
	})
	if err != nil {
		return CollectionInfo{}, err
	}
	if err := c.openLog(); err != nil {
		return CollectionInfo{}, err
	}

	db.collections[params.Name] = c
	db.updatedAt = time.Now().UTC()
	if err := r.saveCatalog(); err != nil {
		delete(db.collections, params.Name)
		c.destroy()
		return CollectionInfo{}, err
	}
	c.logger.Info("Collection created", "dimension", c.dimension, "metric", c.metric, "index", cfg.IndexType)
	return c.Info(), nil
}

// Collection resolves a live collection. Callers must not hold the handle
// beyond the request that resolved it.
func (r *Registry) Collection(dbName, name string) (*Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, err := r.databaseLocked(dbName)
	if err != nil {
		return nil, err
	}
	c, ok := db.collections[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound,
			fmt.Sprintf("collection %q not found in database %q", name, dbName),
			errs.FieldDatabase(dbName), errs.FieldCollection(name))
	}
	return c, nil
}

// GetCollection returns the info of one collection.
func (r *Registry) GetCollection(dbName, name string) (CollectionInfo, error) {
	c, err := r.Collection(dbName, name)
	if err != nil {
		return CollectionInfo{}, err
	}
	return c.Info(), nil
}

// ListCollections returns the collections of dbName sorted by name.
func (r *Registry) ListCollections(dbName string) ([]CollectionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, err := r.databaseLocked(dbName)
	if err != nil {
		return nil, err
	}
	return lo.Map(sortedKeys(db.collections), func(name string, _ int) CollectionInfo {
		return db.collections[name].Info()
	}), nil
}

// DeleteCollection unregisters the collection, then waits for in-flight
// operations to drain before removing its files.
func (r *Registry) DeleteCollection(dbName, name string) error {
	r.mu.Lock()
	db, err := r.databaseLocked(dbName)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	c, ok := db.collections[name]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.KindNotFound,
			fmt.Sprintf("collection %q not found in database %q", name, dbName),
			errs.FieldDatabase(dbName), errs.FieldCollection(name))
	}
	delete(db.collections, name)
	db.updatedAt = time.Now().UTC()
	if err := r.saveCatalog(); err != nil {
		db.collections[name] = c
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if err := c.destroy(); err != nil {
		return errs.Wrap(err, errs.KindInternal, "failed to drop collection", errs.FieldDatabase(dbName), errs.FieldCollection(name))
	}
	return nil
}

// Counts returns the number of databases and collections.
func (r *Registry) Counts() (databases, collections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, db := range r.databases {
		collections += len(db.collections)
	}
	return len(r.databases), collections
}

func (r *Registry) collections() []*Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Collection
	for _, db := range r.databases {
		out = append(out, lo.Values(db.collections)...)
	}
	slices.SortFunc(out, func(a, b *Collection) int {
		return cmp.Or(cmp.Compare(a.database, b.database), cmp.Compare(a.name, b.name))
	})
	return out
}

func (r *Registry) closeCollections() error {
	var firstErr error
	for _, c := range r.collections() {
		if err := c.close(); err != nil {
			c.logger.Error("Failed to checkpoint collection", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close stops the compactor, checkpoints every collection and closes the
// catalog.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	err := r.closeCollections()
	if r.catalog != nil {
		if cerr := r.catalog.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
