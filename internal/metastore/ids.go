package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"

	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

// Table names a surrogate id table.
type Table string

const (
	TableLayers     Table = "LAYERS"
	TableFormats    Table = "FORMATS"
	TableParameters Table = "PARAMETERS"
)

// maxValueLen is the VALUE column width of each id table.
var maxValueLen = map[Table]int{
	TableLayers:     254,
	TableFormats:    126,
	TableParameters: 254,
}

// Default id cache capacities.
const (
	DefaultLayerCacheSize     = 100
	DefaultFormatCacheSize    = 50
	DefaultParameterCacheSize = 100
)

// idCache is a bounded value -> id map. On overflow it is cleared outright.
type idCache struct {
	mu    sync.Mutex
	table Table
	max   int
	ids   map[string]int64
}

func newIDCache(table Table, max int) *idCache {
	return &idCache{table: table, max: max, ids: make(map[string]int64)}
}

func (c *idCache) get(value string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[value]
	return id, ok
}

func (c *idCache) put(value string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ids) >= c.max {
		c.ids = make(map[string]int64)
		metrics.IDCacheClearsTotal.WithLabelValues(string(c.table)).Inc()
	}
	c.ids[value] = id
}

// IDs converts layer names, formats and parameter strings into surrogate
// integer ids, creating rows on first use. Rows are never deleted.
type IDs struct {
	db     *sql.DB
	d      dialect
	caches map[Table]*idCache
}

func newIDs(db *sql.DB, d dialect, layers, formats, parameters int) *IDs {
	if layers <= 0 {
		layers = DefaultLayerCacheSize
	}
	if formats <= 0 {
		formats = DefaultFormatCacheSize
	}
	if parameters <= 0 {
		parameters = DefaultParameterCacheSize
	}
	return &IDs{
		db: db,
		d:  d,
		caches: map[Table]*idCache{
			TableLayers:     newIDCache(TableLayers, layers),
			TableFormats:    newIDCache(TableFormats, formats),
			TableParameters: newIDCache(TableParameters, parameters),
		},
	}
}

func (i *IDs) check(table Table, value string) (*idCache, error) {
	cache, ok := i.caches[table]
	if !ok {
		return nil, tile.NewStorageError("id lookup", string(table), fmt.Errorf("unknown id table"))
	}
	if n := utf8.RuneCountInString(value); n > maxValueLen[table] {
		return nil, tile.NewStorageError("id lookup", string(table),
			fmt.Errorf("value of %d characters exceeds column limit of %d", n, maxValueLen[table]))
	}
	return cache, nil
}

// Lookup returns the id of value without creating it.
func (i *IDs) Lookup(ctx context.Context, table Table, value string) (int64, bool, error) {
	cache, err := i.check(table, value)
	if err != nil {
		return 0, false, err
	}
	if id, ok := cache.get(value); ok {
		return id, true, nil
	}
	id, ok, err := i.selectID(ctx, table, value)
	if err != nil || !ok {
		return 0, false, err
	}
	cache.put(value, id)
	return id, true, nil
}

// GetOrCreate returns the id of value, inserting a row if none exists.
func (i *IDs) GetOrCreate(ctx context.Context, table Table, value string) (int64, error) {
	cache, err := i.check(table, value)
	if err != nil {
		return 0, err
	}
	if id, ok := cache.get(value); ok {
		return id, nil
	}

	id, ok, err := i.selectID(ctx, table, value)
	if err != nil {
		return 0, err
	}
	if !ok {
		id, err = i.d.insert(ctx, i.db, "INSERT INTO "+string(table)+" (VALUE) VALUES (?)", "ID", value)
		if err != nil {
			// A concurrent caller may have inserted the same value first.
			var insertErr = err
			if id, ok, err = i.selectID(ctx, table, value); err != nil || !ok {
				return 0, tile.NewStorageError("id insert", string(table),
					errors.Wrapf(insertErr, "inserting %q", value))
			}
		}
	}
	cache.put(value, id)
	return id, nil
}

func (i *IDs) selectID(ctx context.Context, table Table, value string) (int64, bool, error) {
	var id int64
	err := i.db.QueryRowContext(ctx,
		i.d.rebind("SELECT ID FROM "+string(table)+" WHERE VALUE = ?"), value).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, tile.NewStorageError("id lookup", string(table),
			errors.WithMessagef(err, "selecting %q", value))
	}
	return id, true, nil
}
