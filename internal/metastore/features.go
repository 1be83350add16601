package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"tilecache/internal/tile"
)

// featureWhere returns the predicate selecting the WFS row of f. ok is false
// when f is addressed by parameters that have no id yet and create is false.
func (s *Store) featureWhere(ctx context.Context, f tile.Feature, create bool) (string, []interface{}, bool, error) {
	if !f.ByParameters() {
		return "QUERY_BLOB_MD5 = ? AND QUERY_BLOB_SIZE = ?",
			[]interface{}{f.QueryDigest(), int64(len(f.Query))}, true, nil
	}
	var id int64
	var ok = true
	var err error
	if create {
		id, err = s.ids.GetOrCreate(ctx, TableParameters, f.Parameters)
	} else {
		id, ok, err = s.ids.Lookup(ctx, TableParameters, f.Parameters)
	}
	if err != nil || !ok {
		return "", nil, false, err
	}
	return "PARAMETERS_ID = ?", []interface{}{id}, true, nil
}

func featureName(f tile.Feature) string {
	if f.ByParameters() {
		return f.Parameters
	}
	return f.QueryDigest()
}

// GetFeature returns the record of f, or ok == false if there is none.
func (s *Store) GetFeature(ctx context.Context, f tile.Feature) (tile.Record, bool, error) {
	where, args, ok, err := s.featureWhere(ctx, f, false)
	if err != nil || !ok {
		return tile.Record{}, false, err
	}
	return s.getFeature(ctx, f, where, args)
}

func (s *Store) getFeature(ctx context.Context, f tile.Feature, where string, args []interface{}) (tile.Record, bool, error) {
	var rec tile.Record
	var size, created sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.d.rebind("SELECT WFS_ID, BLOB_SIZE, CREATED FROM WFS WHERE "+where), args...).
		Scan(&rec.ID, &size, &created)
	if err == sql.ErrNoRows {
		return tile.Record{}, false, nil
	} else if err != nil {
		return tile.Record{}, false, tile.NewStorageError("get feature record", featureName(f),
			errors.WithMessage(err, "selecting feature"))
	}
	rec.Size = size.Int64
	if created.Valid {
		rec.Created = time.UnixMilli(created.Int64)
	}
	return rec, true, nil
}

// PutFeature records that the response of f is stored with size bytes.
func (s *Store) PutFeature(ctx context.Context, f tile.Feature, size int64) (tile.Record, error) {
	where, args, _, err := s.featureWhere(ctx, f, true)
	if err != nil {
		return tile.Record{}, err
	}
	var now = s.now().UnixMilli()

	rec, ok, err := s.getFeature(ctx, f, where, args)
	if err != nil {
		return tile.Record{}, err
	}
	if ok {
		_, err = s.db.ExecContext(ctx,
			s.d.rebind("UPDATE WFS SET BLOB_SIZE = ?, CREATED = ? WHERE WFS_ID = ?"), size, now, rec.ID)
	} else if f.ByParameters() {
		rec.ID, err = s.d.insert(ctx, s.db,
			"INSERT INTO WFS (PARAMETERS_ID, BLOB_SIZE, CREATED, ACCESS_LAST, ACCESS_COUNT) VALUES (?, ?, ?, ?, 0)",
			"WFS_ID", args[0], size, now, now)
	} else {
		rec.ID, err = s.d.insert(ctx, s.db,
			"INSERT INTO WFS (QUERY_BLOB_MD5, QUERY_BLOB_SIZE, BLOB_SIZE, CREATED, ACCESS_LAST, ACCESS_COUNT) VALUES (?, ?, ?, ?, ?, 0)",
			"WFS_ID", args[0], args[1], size, now, now)
	}
	if err != nil {
		return tile.Record{}, tile.NewStorageError("put feature record", featureName(f),
			errors.WithMessage(err, "writing feature"))
	}
	rec.Size = size
	rec.Created = time.UnixMilli(now)
	return rec, nil
}

// DeleteFeature removes the record of f, returning false if there was none.
func (s *Store) DeleteFeature(ctx context.Context, f tile.Feature) (bool, error) {
	where, args, ok, err := s.featureWhere(ctx, f, false)
	if err != nil || !ok {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind("DELETE FROM WFS WHERE "+where), args...)
	if err != nil {
		return false, tile.NewStorageError("delete feature record", featureName(f), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, tile.NewStorageError("delete feature record", featureName(f), err)
	}
	return n > 0, nil
}

// TouchFeature updates the access time and count of f's record, if any.
func (s *Store) TouchFeature(ctx context.Context, f tile.Feature) error {
	where, args, ok, err := s.featureWhere(ctx, f, false)
	if err != nil || !ok {
		return err
	}
	args = append([]interface{}{s.now().UnixMilli()}, args...)
	if _, err = s.db.ExecContext(ctx, s.d.rebind(
		"UPDATE WFS SET ACCESS_LAST = ?, ACCESS_COUNT = COALESCE(ACCESS_COUNT, 0) + 1 WHERE "+where), args...); err != nil {
		return tile.NewStorageError("touch feature record", featureName(f), err)
	}
	return nil
}
