// Package sicar は SICAR（Cadastro Ambiental Rural）公開サイトとの連携を提供します。
//
// ダウンロード本体はキャプチャ付きの HTTP リクエストで、キャプチャの読み取りは
// 外部コマンド（既定は tesseract）に委譲します。
package sicar

import (
	"context"
	"encoding/json"
)

// Artifact は取得した ZIP ファイルです。
type Artifact struct {
	Filename string
	Content  []byte
}

// Property は CAR 番号検索の結果です。
type Property struct {
	ID        string          `json:"id"`
	CARNumber string          `json:"car_number"`
	Feature   json.RawMessage `json:"feature"`
}

// Client は SICAR への操作です。
//
// 再試行で回復しうる失敗は apperror.Transient でマークして返します。
// 不正な入力や存在しない CAR 番号は再試行されません。
type Client interface {
	ReleaseDates(ctx context.Context) (map[string]string, error)
	SearchCAR(ctx context.Context, car string) (*Property, error)
	DownloadState(ctx context.Context, state, polygon string) (*Artifact, error)
	DownloadCAR(ctx context.Context, car string) (*Artifact, error)
}
