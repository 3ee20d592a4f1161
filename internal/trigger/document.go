package trigger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

// Document はトリガー仕様の JSON 表現です。
// リスケジュールのリクエストボディと scheduler_jobs.trigger_spec の両方で使います。
type Document struct {
	ScheduleType    string `json:"schedule_type"`
	Hour            *int   `json:"hour,omitempty"`
	Minute          *int   `json:"minute,omitempty"`
	DayOfWeek       string `json:"day_of_week,omitempty"`
	IntervalHours   *int   `json:"interval_hours,omitempty"`
	IntervalMinutes *int   `json:"interval_minutes,omitempty"`
}

// maxIntervalHours は interval トリガーに指定できる最大の間隔（366 日）です。
const maxIntervalHours = 366 * 24

// FromDocument は Document を検証済みの Spec に変換します。
// hour と minute は省略時 0 として扱います。
func FromDocument(doc Document) (Spec, error) {
	var spec Spec

	switch Kind(strings.ToLower(strings.TrimSpace(doc.ScheduleType))) {
	case KindDaily:
		spec = Daily{Hour: intOr(doc.Hour), Minute: intOr(doc.Minute)}
	case KindWeekly:
		if strings.TrimSpace(doc.DayOfWeek) == "" {
			return nil, apperror.Validation("INVALID_DAY_OF_WEEK", "weekly には day_of_week が必要です。")
		}
		day, err := ParseDay(doc.DayOfWeek)
		if err != nil {
			return nil, err
		}
		spec = Weekly{Day: day, Hour: intOr(doc.Hour), Minute: intOr(doc.Minute)}
	case KindInterval:
		hours, minutes := intOr(doc.IntervalHours), intOr(doc.IntervalMinutes)
		if hours < 0 || minutes < 0 {
			return nil, apperror.Validation("INVALID_INTERVAL", "間隔に負の値は指定できません。")
		}
		// Duration への変換で桁あふれしないよう、乗算の前に上限を確認する
		if hours > maxIntervalHours || minutes > maxIntervalHours*60 {
			return nil, apperror.Validationf("INVALID_INTERVAL", "間隔は %d 時間以下で指定してください。", maxIntervalHours)
		}
		spec = Interval{Every: time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute}
	default:
		return nil, apperror.Validationf("INVALID_SCHEDULE_TYPE",
			"schedule_type は daily / weekly / interval のいずれかです: %q", doc.ScheduleType)
	}

	if err := Validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// ToDocument は Spec を Document に変換します。選択された種類のフィールドだけが設定されます。
func ToDocument(spec Spec) Document {
	switch s := spec.(type) {
	case Daily:
		return Document{ScheduleType: string(KindDaily), Hour: intPtr(s.Hour), Minute: intPtr(s.Minute)}
	case Weekly:
		return Document{
			ScheduleType: string(KindWeekly),
			DayOfWeek:    dayName(s.Day),
			Hour:         intPtr(s.Hour),
			Minute:       intPtr(s.Minute),
		}
	case Interval:
		total := int(s.Every / time.Minute)
		return Document{
			ScheduleType:    string(KindInterval),
			IntervalHours:   intPtr(total / 60),
			IntervalMinutes: intPtr(total % 60),
		}
	default:
		return Document{}
	}
}

// Marshal は保存用の JSON を返します。
func Marshal(spec Spec) (string, error) {
	if err := Validate(spec); err != nil {
		return "", err
	}
	raw, err := json.Marshal(ToDocument(spec))
	if err != nil {
		return "", errors.Wrap(err, "marshal trigger")
	}
	return string(raw), nil
}

// Unmarshal は保存された JSON から Spec を復元します。
func Unmarshal(raw string) (Spec, error) {
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, errors.Wrapf(err, "unmarshal trigger %q", raw)
	}
	return FromDocument(doc)
}

func intOr(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func intPtr(v int) *int {
	return &v
}
