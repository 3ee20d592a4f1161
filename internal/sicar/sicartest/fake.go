// Package sicartest はテスト用の sicar.Client 実装を提供します。
package sicartest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/sicar"
)

// Fake は関数を差し替えられる sicar.Client です。
// 関数が nil の場合は小さな ZIP を返します。
type Fake struct {
	ReleaseDatesFunc  func(ctx context.Context) (map[string]string, error)
	SearchCARFunc     func(ctx context.Context, car string) (*sicar.Property, error)
	DownloadStateFunc func(ctx context.Context, state, polygon string) (*sicar.Artifact, error)
	DownloadCARFunc   func(ctx context.Context, car string) (*sicar.Artifact, error)

	mu    sync.Mutex
	calls map[string]int
}

var _ sicar.Client = (*Fake)(nil)

// ZipBytes は最小の空 ZIP アーカイブです。
var ZipBytes = []byte{0x50, 0x4b, 0x05, 0x06, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func (f *Fake) record(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[key]++
}

// Calls は key（"state:SP:APPS" や "car:..."）の呼び出し回数を返します。
func (f *Fake) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *Fake) ReleaseDates(ctx context.Context) (map[string]string, error) {
	f.record("releases")
	if f.ReleaseDatesFunc != nil {
		return f.ReleaseDatesFunc(ctx)
	}
	return map[string]string{"SP": "01/02/2026"}, nil
}

func (f *Fake) SearchCAR(ctx context.Context, car string) (*sicar.Property, error) {
	f.record("search:" + car)
	if f.SearchCARFunc != nil {
		return f.SearchCARFunc(ctx, car)
	}
	normalized, err := sicar.NormalizeCAR(car)
	if err != nil {
		return nil, err
	}
	return &sicar.Property{ID: "1", CARNumber: normalized, Feature: []byte(`{"id":1}`)}, nil
}

func (f *Fake) DownloadState(ctx context.Context, state, polygon string) (*sicar.Artifact, error) {
	f.record(fmt.Sprintf("state:%s:%s", state, polygon))
	if f.DownloadStateFunc != nil {
		return f.DownloadStateFunc(ctx, state, polygon)
	}
	return &sicar.Artifact{Filename: state + "_" + polygon + ".zip", Content: ZipBytes}, nil
}

func (f *Fake) DownloadCAR(ctx context.Context, car string) (*sicar.Artifact, error) {
	f.record("car:" + car)
	if f.DownloadCARFunc != nil {
		return f.DownloadCARFunc(ctx, car)
	}
	return &sicar.Artifact{Filename: car + ".zip", Content: ZipBytes}, nil
}

// TransientError は再試行対象としてマークされたエラーを返します。
func TransientError(msg string) error {
	return apperror.Transient(errors.New(msg))
}
