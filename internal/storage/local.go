// Package storage はダウンロード成果物（ZIP）の保存先を提供します。
//
// ファイルシステムは afero で抽象化しており、本番では OS のファイルシステム、
// テストではメモリ上のファイルシステムを使います。
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

const zipMIME = "application/zip"

// ErrNotZip は保存しようとした内容が ZIP でない場合に返します。
var ErrNotZip = errors.New("artifact is not a zip archive")

// Stored は保存済み成果物の場所とサイズです。
type Stored struct {
	Path string
	Size int64
}

// Local はルートディレクトリ配下に成果物を保存します。
type Local struct {
	fs   afero.Fs
	root string
}

// NewLocal は Local を作成します。
func NewLocal(fs afero.Fs, root string) *Local {
	return &Local{fs: fs, root: filepath.Clean(root)}
}

// NewOSLocal は OS のファイルシステム上に Local を作成します。
func NewOSLocal(root string) *Local {
	return NewLocal(afero.NewOsFs(), root)
}

// Save は data を root/rel に保存します。一時ファイルに書いてから置き換えるため、
// 途中で失敗しても不完全なファイルは残りません。
func (l *Local) Save(ctx context.Context, rel string, data []byte) (*Stored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 || !mimetype.Detect(data).Is(zipMIME) {
		return nil, errors.Wrapf(ErrNotZip, "detected %s", mimetype.Detect(data).String())
	}

	target, err := l.resolve(rel)
	if err != nil {
		return nil, err
	}
	if err := l.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create directory for %s", rel)
	}

	tmp := target + ".part"
	if err := afero.WriteFile(l.fs, tmp, data, 0o644); err != nil {
		_ = l.fs.Remove(tmp)
		return nil, errors.Wrapf(err, "write %s", rel)
	}
	if err := l.fs.Rename(tmp, target); err != nil {
		_ = l.fs.Remove(tmp)
		return nil, errors.Wrapf(err, "rename %s", rel)
	}

	return &Stored{Path: target, Size: int64(len(data))}, nil
}

// Exists は保存済みのファイルが存在し、空でないかを返します。
func (l *Local) Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := l.fs.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir() && info.Size() > 0
}

// Open は保存済みファイルを読み込み用に開きます。
func (l *Local) Open(path string) (io.ReadSeekCloser, os.FileInfo, error) {
	if !l.within(path) {
		return nil, nil, apperror.NotFound("FILE_NOT_FOUND", "ファイルが見つかりません。")
	}
	f, err := l.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, apperror.NotFound("FILE_NOT_FOUND", "ファイルが見つかりません。")
		}
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "stat %s", path)
	}
	return f, info, nil
}

// Delete は保存済みファイルを削除します。存在しない場合は何もしません。
func (l *Local) Delete(path string) error {
	if !l.within(path) {
		return errors.Newf("path %s is outside storage root", path)
	}
	if err := l.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

// Usage は root 配下の ZIP ファイル数と合計サイズを返します。
func (l *Local) Usage() (files int, bytes int64, err error) {
	err = afero.Walk(l.fs, l.root, func(_ string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".zip") {
			files++
			bytes += info.Size()
		}
		return nil
	})
	return files, bytes, err
}

func (l *Local) resolve(rel string) (string, error) {
	target := filepath.Join(l.root, filepath.Clean("/"+rel))
	if !l.within(target) || target == l.root {
		return "", apperror.Validationf("INVALID_PATH", "不正な保存先です: %q", rel)
	}
	return target, nil
}

func (l *Local) within(path string) bool {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
