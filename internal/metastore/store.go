// Package metastore keeps relational records of cached tiles and feature
// responses: their existence, size, creation and access times. Repeated
// strings are stored once in id tables and referenced by surrogate ids.
package metastore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

// Config configures a Store.
type Config struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string
	// DSN is the driver data source name.
	DSN string

	LayerCacheSize     int
	FormatCacheSize    int
	ParameterCacheSize int
}

// Store is the relational record store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	d      dialect
	ids    *IDs
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to the database described by cfg and brings its schema to
// SchemaVersion.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, &tile.ConfigurationError{Path: cfg.DSN, Reason: "invalid metastore driver", Err: err}
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, &tile.ConfigurationError{Path: cfg.DSN, Reason: "opening metastore", Err: err}
	}
	if d.driver == DriverSQLite {
		// A single connection serializes writers and keeps :memory: databases
		// shared between calls.
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, tile.NewStorageError("open metastore", cfg.Driver, errors.WithMessage(err, "ping"))
	}
	if err = createSchema(ctx, db, d, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened metastore", zap.String("driver", cfg.Driver))
	return &Store{
		db:     db,
		d:      d,
		ids:    newIDs(db, d, cfg.LayerCacheSize, cfg.FormatCacheSize, cfg.ParameterCacheSize),
		logger: logger,
		now:    time.Now,
	}, nil
}

// IDs returns the surrogate id store backing s.
func (s *Store) IDs() *IDs { return s.ids }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the schema version recorded in the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	v, _, err := readVersion(ctx, s.db, s.d)
	return v, err
}

type keyIDs struct {
	layer, format int64
	parameters    sql.NullInt64
}

// resolve maps key strings to ids. With create == false, ok is false when any
// string has no id yet, and nothing is inserted.
func (s *Store) resolve(ctx context.Context, k tile.Key, create bool) (ids keyIDs, ok bool, err error) {
	var get = func(table Table, value string) (int64, bool, error) {
		if create {
			id, err := s.ids.GetOrCreate(ctx, table, value)
			return id, err == nil, err
		}
		return s.ids.Lookup(ctx, table, value)
	}
	if ids.layer, ok, err = get(TableLayers, k.Layer); err != nil || !ok {
		return keyIDs{}, false, err
	}
	if ids.format, ok, err = get(TableFormats, canonicalFormat(k.Format)); err != nil || !ok {
		return keyIDs{}, false, err
	}
	if k.HasParameters() {
		var id int64
		if id, ok, err = get(TableParameters, k.Parameters); err != nil || !ok {
			return keyIDs{}, false, err
		}
		ids.parameters = sql.NullInt64{Int64: id, Valid: true}
	}
	return ids, true, nil
}

// canonicalFormat maps format aliases onto the one FORMATS value the blob
// path is derived from. Unknown formats are kept as given.
func canonicalFormat(format string) string {
	if canonical, ok := tile.CanonicalFormat(format); ok {
		return canonical
	}
	return format
}

// tileWhere returns the predicate selecting the row of k.
func tileWhere(k tile.Key, ids keyIDs) (string, []interface{}) {
	var where = "LAYER_ID = ? AND X = ? AND Y = ? AND Z = ? AND SRS_ID = ? AND FORMAT_ID = ?"
	var args = []interface{}{ids.layer, k.X, k.Y, k.Z, k.SRS, ids.format}

	if ids.parameters.Valid {
		where += " AND PARAMETERS_ID = ?"
		args = append(args, ids.parameters.Int64)
	} else {
		where += " AND PARAMETERS_ID IS NULL"
	}
	return where, args
}

// Get returns the record of k, or ok == false if there is none.
func (s *Store) Get(ctx context.Context, k tile.Key) (rec tile.Record, ok bool, err error) {
	ids, ok, err := s.resolve(ctx, k, false)
	if err != nil || !ok {
		return tile.Record{}, false, err
	}
	return s.getTile(ctx, k, ids)
}

func (s *Store) getTile(ctx context.Context, k tile.Key, ids keyIDs) (tile.Record, bool, error) {
	where, args := tileWhere(k, ids)

	var rec tile.Record
	var size, created sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.d.rebind("SELECT TILE_ID, BLOB_SIZE, CREATED FROM TILES WHERE "+where), args...).
		Scan(&rec.ID, &size, &created)
	if err == sql.ErrNoRows {
		return tile.Record{}, false, nil
	} else if err != nil {
		return tile.Record{}, false, tile.NewStorageError("get record", k.String(), errors.WithMessage(err, "selecting tile"))
	}
	rec.Size = size.Int64
	if created.Valid {
		rec.Created = time.UnixMilli(created.Int64)
	}
	return rec, true, nil
}

// Put records that k is stored with size bytes, updating an existing record
// or inserting a new one. A size of 0 records k as known absent.
func (s *Store) Put(ctx context.Context, k tile.Key, size int64) (tile.Record, error) {
	ids, _, err := s.resolve(ctx, k, true)
	if err != nil {
		return tile.Record{}, err
	}
	var now = s.now()

	rec, ok, err := s.getTile(ctx, k, ids)
	if err != nil {
		return tile.Record{}, err
	}
	if ok {
		if _, err = s.db.ExecContext(ctx,
			s.d.rebind("UPDATE TILES SET BLOB_SIZE = ?, CREATED = ? WHERE TILE_ID = ?"),
			size, now.UnixMilli(), rec.ID); err != nil {
			return tile.Record{}, tile.NewStorageError("put record", k.String(), errors.WithMessage(err, "updating tile"))
		}
	} else {
		rec.ID, err = s.d.insert(ctx, s.db,
			"INSERT INTO TILES (LAYER_ID, X, Y, Z, SRS_ID, FORMAT_ID, PARAMETERS_ID, BLOB_SIZE, CREATED, ACCESS_LAST, ACCESS_COUNT) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)", "TILE_ID",
			ids.layer, k.X, k.Y, k.Z, k.SRS, ids.format, ids.parameters, size, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return tile.Record{}, tile.NewStorageError("put record", k.String(), errors.WithMessage(err, "inserting tile"))
		}
	}
	rec.Size = size
	rec.Created = time.UnixMilli(now.UnixMilli())
	return rec, nil
}

// Delete removes the record of k, returning false if there was none.
func (s *Store) Delete(ctx context.Context, k tile.Key) (bool, error) {
	ids, ok, err := s.resolve(ctx, k, false)
	if err != nil || !ok {
		return false, err
	}
	where, args := tileWhere(k, ids)

	res, err := s.db.ExecContext(ctx, s.d.rebind("DELETE FROM TILES WHERE "+where), args...)
	if err != nil {
		return false, tile.NewStorageError("delete record", k.String(), errors.WithMessage(err, "deleting tile"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, tile.NewStorageError("delete record", k.String(), err)
	}
	return n > 0, nil
}

// Touch updates the access time and count of k's record, if any.
func (s *Store) Touch(ctx context.Context, k tile.Key) error {
	ids, ok, err := s.resolve(ctx, k, false)
	if err != nil || !ok {
		return err
	}
	where, args := tileWhere(k, ids)
	args = append([]interface{}{s.now().UnixMilli()}, args...)

	if _, err = s.db.ExecContext(ctx, s.d.rebind(
		"UPDATE TILES SET ACCESS_LAST = ?, ACCESS_COUNT = COALESCE(ACCESS_COUNT, 0) + 1 WHERE "+where), args...); err != nil {
		return tile.NewStorageError("touch record", k.String(), errors.WithMessage(err, "updating access"))
	}
	return nil
}

// DeleteLayer removes every tile record of layer and returns the number of
// removed records.
func (s *Store) DeleteLayer(ctx context.Context, layer string) (int64, error) {
	id, ok, err := s.ids.Lookup(ctx, TableLayers, layer)
	if err != nil || !ok {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind("DELETE FROM TILES WHERE LAYER_ID = ?"), id)
	if err != nil {
		return 0, tile.NewStorageError("delete layer records", layer, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, tile.NewStorageError("delete layer records", layer, err)
	}
	s.logger.Info("Deleted layer records", zap.String("layer", layer), zap.Int64("records", n))
	return n, nil
}

// DeleteRange removes the tile records of r and returns the number of
// removed records.
func (s *Store) DeleteRange(ctx context.Context, r tile.Range) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, tile.NewStorageError("delete range records", r.Layer, err)
	}
	where, args, ok, err := s.rangeWhere(ctx, r)
	if err != nil || !ok {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind("DELETE FROM TILES WHERE "+where), args...)
	if err != nil {
		return 0, tile.NewStorageError("delete range records", r.Layer, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, tile.NewStorageError("delete range records", r.Layer, err)
	}
	s.logger.Info("Deleted range records",
		zap.String("layer", r.Layer),
		zap.Int("zoom_start", r.ZoomStart),
		zap.Int("zoom_stop", r.ZoomStop),
		zap.Int64("records", n),
	)
	return n, nil
}

// rangeWhere builds the predicate of r. ok is false when r names a layer,
// format or parameter set that was never recorded.
func (s *Store) rangeWhere(ctx context.Context, r tile.Range) (string, []interface{}, bool, error) {
	layer, ok, err := s.ids.Lookup(ctx, TableLayers, r.Layer)
	if err != nil || !ok {
		return "", nil, false, err
	}
	var clauses = []string{"LAYER_ID = ?"}
	var args = []interface{}{layer}

	if r.SRS != 0 {
		clauses = append(clauses, "SRS_ID = ?")
		args = append(args, r.SRS)
	}
	if r.Format != "" {
		format, ok, err := s.ids.Lookup(ctx, TableFormats, canonicalFormat(r.Format))
		if err != nil || !ok {
			return "", nil, false, err
		}
		clauses = append(clauses, "FORMAT_ID = ?")
		args = append(args, format)
	}
	if r.Parameters != nil {
		if *r.Parameters == "" {
			clauses = append(clauses, "PARAMETERS_ID IS NULL")
		} else {
			params, ok, err := s.ids.Lookup(ctx, TableParameters, *r.Parameters)
			if err != nil || !ok {
				return "", nil, false, err
			}
			clauses = append(clauses, "PARAMETERS_ID = ?")
			args = append(args, params)
		}
	}
	if r.ZoomStart != tile.ZoomUnbounded {
		clauses = append(clauses, "Z >= ?")
		args = append(args, r.ZoomStart)
	}
	if r.ZoomStop != tile.ZoomUnbounded {
		clauses = append(clauses, "Z <= ?")
		args = append(args, r.ZoomStop)
	}
	for z, b := range r.Bounds {
		if !r.ContainsZoom(z) {
			continue
		}
		clauses = append(clauses, "NOT (Z = ? AND (X < ? OR X > ? OR Y < ? OR Y > ?))")
		args = append(args, z, b.MinX, b.MaxX, b.MinY, b.MaxY)
	}
	return strings.Join(clauses, " AND "), args, true, nil
}
