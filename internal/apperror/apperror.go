// Package apperror はサービス全体で共有するエラー分類と HTTP 応答への変換を提供します。
package apperror

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

// 分類ごとの番兵エラーです。errors.Is で判定します。
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient retrieval error")
	ErrUnauthorized = errors.New("unauthorized")
)

// Error は API 利用者へ返すコードとメッセージを保持します。
type Error struct {
	Kind    error
	Code    string
	Message string
	// JobID は Conflict のとき、処理中のジョブを指します。
	JobID int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is は Kind に設定した番兵エラーと一致させます。
func (e *Error) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

// Validation は入力不正のエラーを作成します。
func Validation(code, message string) error {
	return &Error{Kind: ErrValidation, Code: code, Message: message}
}

// Validationf は書式付きの入力不正エラーを作成します。
func Validationf(code, format string, args ...any) error {
	return Validation(code, fmt.Sprintf(format, args...))
}

// NotFound は対象が存在しないエラーを作成します。
func NotFound(code, message string) error {
	return &Error{Kind: ErrNotFound, Code: code, Message: message}
}

// Conflict は処理中の重複投入を表すエラーを作成します。
func Conflict(code, message string, jobID int64) error {
	return &Error{Kind: ErrConflict, Code: code, Message: message, JobID: jobID}
}

// Transient は再試行で回復しうる取得失敗を表します。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// IsTransient は err が再試行対象かどうかを返します。
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Respond は err を分類して JSON エラー応答を書き込みます。
func Respond(c *gin.Context, err error) {
	c.JSON(Describe(err))
}

// Describe は err を HTTP ステータスと応答ボディに変換します。
// 内部エラーの詳細はボディに含めません。
func Describe(err error) (int, gin.H) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		payload := gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}
		if apiErr.JobID > 0 {
			payload["job_id"] = apiErr.JobID
		}
		return statusFor(apiErr.Kind), payload
	}

	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, gin.H{"code": "INVALID_INPUT", "message": err.Error()}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": err.Error()}
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable, gin.H{
			"code":    "UPSTREAM_UNAVAILABLE",
			"message": "外部サービスへの接続に失敗しました。",
		}
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		}
	default:
		return http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		}
	}
}

func statusFor(kind error) int {
	switch kind {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
