package metastore

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

// SchemaVersion is the schema version written and understood by this code.
const SchemaVersion = 111

// ErrSchemaTooNew is returned when the database was written by a newer
// schema version. It is never downgraded.
var ErrSchemaTooNew = errors.New("metastore schema is newer than supported")

const versionKey = "db_version"

// createSchema brings the database to SchemaVersion. The id tables and
// VARIABLES are created first, then existing tables are upgraded, then the
// record tables are created.
func createSchema(ctx context.Context, db *sql.DB, d dialect, logger *zap.Logger) error {
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS LAYERS (ID " + d.autoID + ", VALUE VARCHAR(254) UNIQUE)",
		"CREATE TABLE IF NOT EXISTS PARAMETERS (ID " + d.autoID + ", VALUE VARCHAR(254) UNIQUE)",
		"CREATE TABLE IF NOT EXISTS FORMATS (ID " + d.autoID + ", VALUE VARCHAR(126) UNIQUE)",
		"CREATE TABLE IF NOT EXISTS VARIABLES (KEY VARCHAR(32) PRIMARY KEY, VALUE VARCHAR(128))",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return tile.NewStorageError("create schema", "", errors.WithMessage(err, stmt))
		}
	}

	version, ok, err := readVersion(ctx, db, d)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		if _, err = db.ExecContext(ctx, d.rebind("INSERT INTO VARIABLES (KEY, VALUE) VALUES (?, ?)"),
			versionKey, strconv.Itoa(SchemaVersion)); err != nil {
			return tile.NewStorageError("create schema", "", errors.WithMessage(err, "inserting db_version"))
		}
		logger.Info("Initialized metastore schema", zap.Int("version", SchemaVersion))
	case version > SchemaVersion:
		return tile.NewStorageError("create schema", "", errors.WithMessagef(ErrSchemaTooNew,
			"database is version %d, code is version %d", version, SchemaVersion))
	case version < SchemaVersion:
		if err = upgradeSchema(ctx, db, d, version, logger); err != nil {
			return err
		}
	default:
		logger.Debug("Metastore schema is current", zap.Int("version", version))
	}

	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS TILES (TILE_ID " + d.autoID + ", LAYER_ID BIGINT, X BIGINT, Y BIGINT, Z BIGINT, " +
			"SRS_ID BIGINT, FORMAT_ID BIGINT, PARAMETERS_ID BIGINT, BLOB_SIZE BIGINT, " +
			"CREATED BIGINT, ACCESS_LAST BIGINT, ACCESS_COUNT BIGINT)",
		"CREATE INDEX IF NOT EXISTS IDX_TILES ON TILES (LAYER_ID, X, Y, Z, SRS_ID, FORMAT_ID, PARAMETERS_ID)",
		"CREATE TABLE IF NOT EXISTS WFS (WFS_ID " + d.autoID + ", PARAMETERS_ID BIGINT, " +
			"QUERY_BLOB_MD5 VARCHAR(32), QUERY_BLOB_SIZE BIGINT, BLOB_SIZE BIGINT, " +
			"CREATED BIGINT, ACCESS_LAST BIGINT, ACCESS_COUNT BIGINT)",
		"CREATE INDEX IF NOT EXISTS IDX_WFS ON WFS (PARAMETERS_ID)",
		"CREATE INDEX IF NOT EXISTS IDX2_WFS ON WFS (QUERY_BLOB_MD5, QUERY_BLOB_SIZE)",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return tile.NewStorageError("create schema", "", errors.WithMessage(err, stmt))
		}
	}
	return nil
}

func readVersion(ctx context.Context, db *sql.DB, d dialect) (int, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, d.rebind("SELECT VALUE FROM VARIABLES WHERE KEY = ?"), versionKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, tile.NewStorageError("read schema version", "", err)
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, tile.NewStorageError("read schema version", "",
			errors.Wrapf(err, "invalid db_version %q", value))
	}
	return version, true, nil
}

// upgradeSchema migrates an older database one version at a time.
func upgradeSchema(ctx context.Context, db *sql.DB, d dialect, from int, logger *zap.Logger) error {
	logger.Info("Upgrading metastore schema", zap.Int("from", from), zap.Int("to", SchemaVersion))

	if from <= 110 {
		for _, table := range []string{"TILES", "WFS"} {
			if !tableExists(ctx, db, table) {
				continue
			}
			for _, stmt := range []string{
				"ALTER TABLE " + table + " ADD COLUMN ACCESS_LAST BIGINT",
				"ALTER TABLE " + table + " ADD COLUMN ACCESS_COUNT BIGINT",
			} {
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					return tile.NewStorageError("upgrade schema", "", errors.WithMessage(err, stmt))
				}
			}
		}
		if _, err := db.ExecContext(ctx, d.rebind("UPDATE VARIABLES SET VALUE = ? WHERE KEY = ?"),
			"111", versionKey); err != nil {
			return tile.NewStorageError("upgrade schema", "", errors.WithMessage(err, "updating db_version"))
		}
		logger.Info("Metastore schema upgraded", zap.Int("from", 110), zap.Int("to", 111))
	}
	return nil
}

func tableExists(ctx context.Context, db *sql.DB, table string) bool {
	rows, err := db.QueryContext(ctx, "SELECT 1 FROM "+table+" WHERE 1 = 0")
	if err != nil {
		return false
	}
	rows.Close()
	return true
}
