// Package database は sqlite の接続とスキーマのマイグレーションを提供します。
package database

import (
	"database/sql"
	"embed"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// TimeLayout は DB に保存する時刻の書式です（UTC）。
// 小数部を固定桁にして、文字列の並びと時刻の並びを一致させます。
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Open は sqlite データベースを開き、WAL とビジータイムアウトを設定します。
// 書き込みを直列化するため接続数は 1 に制限します。
func Open(dbPath string, log *zap.SugaredLogger) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if log != nil {
		log.Infow("Database opened", "path", dbPath, "wal_mode", true)
	}
	return db, nil
}

// Migrate は未適用のマイグレーションを番号順に適用します。
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// schema_migrations がまだ無いのは 000 の適用前だけ
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++

		if log != nil {
			log.Infow("Applied migration", "migration", filename, "version", version)
		}
	}

	if log != nil {
		log.Infow("Migrations complete", "total", len(files), "applied", applied)
	}
	return nil
}

// OpenAndMigrate は Open と Migrate をまとめて実行します。
func OpenAndMigrate(dbPath string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(dbPath, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// FormatTime は時刻を保存用の文字列に変換します。
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NullTime は nil 許容の時刻を保存用の値に変換します。
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// ParseTime は保存された時刻文字列を読み込みます。
func ParseTime(raw string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", raw)
	}
	return t.UTC(), nil
}

// ParseNullTime は NULL 許容の時刻列を読み込みます。
func ParseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := ParseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
