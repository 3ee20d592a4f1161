// Package trigger はスケジュールの発火条件（トリガー仕様）と次回発火時刻の計算を提供します。
//
// トリガー仕様は Daily / Weekly / Interval のいずれか一つです。
// 種類を切り替えると以前の仕様は完全に置き換わります。
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

// Kind はトリガーの種類です。
type Kind string

const (
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindInterval Kind = "interval"
)

// Spec はトリガー仕様です。Daily, Weekly, Interval のみが実装します。
type Spec interface {
	Kind() Kind
	String() string
	validate() error
}

// Daily は毎日 Hour:Minute に発火します。
type Daily struct {
	Hour   int
	Minute int
}

// Weekly は毎週 Day の Hour:Minute に発火します。
type Weekly struct {
	Day    time.Weekday
	Hour   int
	Minute int
}

// Interval は直前の実行から Every 経過後に発火します。
type Interval struct {
	Every time.Duration
}

func (Daily) Kind() Kind    { return KindDaily }
func (Weekly) Kind() Kind   { return KindWeekly }
func (Interval) Kind() Kind { return KindInterval }

func (d Daily) String() string {
	return fmt.Sprintf("daily %02d:%02d", d.Hour, d.Minute)
}

func (w Weekly) String() string {
	return fmt.Sprintf("weekly %s %02d:%02d", dayName(w.Day), w.Hour, w.Minute)
}

func (i Interval) String() string {
	return fmt.Sprintf("interval %s", i.Every)
}

func (d Daily) validate() error {
	return validateClock(d.Hour, d.Minute)
}

func (w Weekly) validate() error {
	if w.Day < time.Sunday || w.Day > time.Saturday {
		return apperror.Validationf("INVALID_DAY_OF_WEEK", "曜日が不正です: %d", w.Day)
	}
	return validateClock(w.Hour, w.Minute)
}

func (i Interval) validate() error {
	if i.Every <= 0 {
		return apperror.Validation("INVALID_INTERVAL", "間隔は 0 より大きい必要があります。")
	}
	if i.Every > maxIntervalHours*time.Hour {
		return apperror.Validationf("INVALID_INTERVAL", "間隔は %d 時間以下で指定してください。", maxIntervalHours)
	}
	return nil
}

func validateClock(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return apperror.Validationf("INVALID_HOUR", "hour は 0〜23 で指定してください: %d", hour)
	}
	if minute < 0 || minute > 59 {
		return apperror.Validationf("INVALID_MINUTE", "minute は 0〜59 で指定してください: %d", minute)
	}
	return nil
}

// Validate は仕様を検証します。nil は不正として扱います。
func Validate(spec Spec) error {
	if spec == nil {
		return apperror.Validation("INVALID_SCHEDULE", "スケジュールが指定されていません。")
	}
	return spec.validate()
}

// Engine は指定したタイムゾーンの壁時計で次回発火時刻を計算します。
type Engine struct {
	loc *time.Location
}

// NewEngine は Engine を作成します。loc が nil の場合は UTC を使います。
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{loc: loc}
}

// Location は Engine のタイムゾーンを返します。
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Next は from より厳密に後の最初の発火時刻を返します（UTC）。
// Interval の場合 from には直前に実際に発火（完了）した時刻を渡します。
func (e *Engine) Next(spec Spec, from time.Time) (time.Time, error) {
	if err := Validate(spec); err != nil {
		return time.Time{}, err
	}

	switch s := spec.(type) {
	case Interval:
		return from.Add(s.Every).UTC(), nil
	case Daily:
		return e.nextCron(fmt.Sprintf("%d %d * * *", s.Minute, s.Hour), from)
	case Weekly:
		return e.nextCron(fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, int(s.Day)), from)
	default:
		return time.Time{}, errors.Newf("unsupported trigger kind %T", spec)
	}
}

func (e *Engine) nextCron(expr string, from time.Time) (time.Time, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse cron expression %q", expr)
	}
	if spec, ok := parsed.(*cron.SpecSchedule); ok {
		spec.Location = e.loc
	}
	next := parsed.Next(from)
	if next.IsZero() {
		return time.Time{}, errors.Newf("no future fire time for %q", expr)
	}
	return next.UTC(), nil
}

var dayNames = []string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

func dayName(d time.Weekday) string {
	if d < time.Sunday || d > time.Saturday {
		return "?"
	}
	return dayNames[d]
}

// ParseDay は "mon" や "Monday" などの曜日名を解釈します。
func ParseDay(raw string) (time.Weekday, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if len(value) >= 3 {
		for i, name := range dayNames {
			if strings.HasPrefix(value, name) {
				return time.Weekday(i), nil
			}
		}
	}
	return 0, apperror.Validationf("INVALID_DAY_OF_WEEK", "day_of_week は mon〜sun で指定してください: %q", raw)
}
