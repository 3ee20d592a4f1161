package downloads

import (
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/sicar"
	"github.com/cheri-hub/sicar-api/internal/storage"
)

type stateDownloadRequest struct {
	State    string   `json:"state" binding:"required"`
	Polygons []string `json:"polygons"`
	Force    bool     `json:"force"`
}

type carDownloadRequest struct {
	RecordKey string `json:"record_key" binding:"required"`
	Force     bool   `json:"force"`
}

// submission はポリゴン種別ごとの受付結果です。
type submission struct {
	Polygon string `json:"polygon"`
	JobID   int64  `json:"job_id,omitempty"`
	Status  Status `json:"status,omitempty"`
	Reused  bool   `json:"reused"`
	Error   gin.H  `json:"error,omitempty"`
}

// SubmitStateHandler は POST /downloads/state のハンドラーです。
// ポリゴン種別ごとにジョブを一つ作成します。受け付けられなかった対象は個別にエラーとして返し、
// すべて失敗した場合だけ最初の失敗のステータスで応答します。
func SubmitStateHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stateDownloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "state と polygons を JSON で送ってください。",
			})
			return
		}
		if len(req.Polygons) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "polygons を 1 つ以上指定してください。",
			})
			return
		}

		// 一部だけ受け付ける前にすべて検証する
		targets := make([]Target, 0, len(req.Polygons))
		seen := make(map[string]bool)
		for _, polygon := range req.Polygons {
			target, err := StateTarget(req.State, polygon).Normalize()
			if err != nil {
				apperror.Respond(c, err)
				return
			}
			if !seen[target.Polygon] {
				seen[target.Polygon] = true
				targets = append(targets, target)
			}
		}

		// 途中の対象が失敗しても、受け付け済みのジョブ ID を返せるよう対象ごとに結果を記録する
		results := make([]submission, 0, len(targets))
		accepted, failedStatus := 0, 0
		for _, target := range targets {
			res, err := o.Submit(c.Request.Context(), target, req.Force)
			if err != nil {
				code, body := apperror.Describe(err)
				if failedStatus == 0 {
					failedStatus = code
				}
				result := submission{Polygon: target.Polygon, Error: gin.H{"code": body["code"], "message": body["message"]}}
				var apiErr *apperror.Error
				if errors.As(err, &apiErr) {
					result.JobID = apiErr.JobID
				}
				results = append(results, result)
				continue
			}
			accepted++
			results = append(results, submission{
				Polygon: target.Polygon,
				JobID:   res.Job.ID,
				Status:  res.Job.Status,
				Reused:  res.Reused,
			})
		}

		status := http.StatusAccepted
		if accepted == 0 {
			status = failedStatus
		}
		c.JSON(status, gin.H{
			"state": targets[0].State,
			"jobs":  results,
		})
	}
}

// SubmitCARHandler は POST /downloads/car のハンドラーです。
func SubmitCARHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req carDownloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "record_key を JSON で送ってください。",
			})
			return
		}

		res, err := o.Submit(c.Request.Context(), CARTarget(req.RecordKey), req.Force)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		status := http.StatusAccepted
		if res.Reused {
			status = http.StatusOK
		}
		c.JSON(status, res)
	}
}

// ListHandler は GET /downloads のハンドラーです。
func ListHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := ParseStatus(c.Query("status"))
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		limit, err := queryInt(c, "limit", defaultListLimit)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		offset, err := queryInt(c, "offset", 0)
		if err != nil {
			apperror.Respond(c, err)
			return
		}

		filter := ListFilter{Status: status, Limit: limit, Offset: offset}.normalize()
		jobs, err := store.List(c.Request.Context(), filter)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobs":   jobs,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		})
	}
}

// GetHandler は GET /downloads/:id のハンドラーです。
func GetHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		job, err := store.Get(c.Request.Context(), id)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// StatsHandler は GET /downloads/stats のハンドラーです。
// ジョブの集計に加えて、保存先の実際の使用量を返します。
func StatsHandler(store *Store, files UsageReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.Stats(c.Request.Context())
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		count, size, err := files.Usage()
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		stats.Disk = &DiskUsage{Files: count, Bytes: size}
		c.JSON(http.StatusOK, stats)
	}
}

// CARStatusHandler は GET /downloads/car/:key のハンドラーです。対象の最新ジョブを返します。
func CARStatusHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, err := CARTarget(c.Param("key")).Normalize()
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		job, err := store.LatestForTarget(c.Request.Context(), target.Key())
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "この CAR 番号のダウンロードはありません。",
			})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// FileHandler は GET /downloads/:id/file のハンドラーです。completed ジョブの ZIP を返します。
func FileHandler(store *Store, files *storage.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		job, err := store.Get(c.Request.Context(), id)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		if job.Status != StatusCompleted || job.FilePath == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_RESULT_NOT_FOUND",
				"message": "ジョブの成果物が見つかりませんでした。",
			})
			return
		}

		file, info, err := files.Open(*job.FilePath)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		defer file.Close()

		writeAttachment(c, filepath.Base(*job.FilePath), info.Size())
		c.Header("X-Job-Id", strconv.FormatInt(job.ID, 10))
		c.DataFromReader(http.StatusOK, info.Size(), "application/zip", file, nil)
	}
}

// SearchCARHandler は GET /search/car/:key のハンドラーです。
func SearchCARHandler(client sicar.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		property, err := client.SearchCAR(c.Request.Context(), c.Param("key"))
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, property)
	}
}

type streamStateRequest struct {
	State   string `json:"state" binding:"required"`
	Polygon string `json:"polygon" binding:"required"`
}

type streamCARRequest struct {
	CARNumber string `json:"car_number" binding:"required"`
}

// StreamStateHandler は POST /stream/state のハンドラーです。
// ジョブを作らずに SICAR から取得した ZIP をそのまま返します。
func StreamStateHandler(client sicar.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req streamStateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "state と polygon を JSON で送ってください。",
			})
			return
		}
		artifact, err := client.DownloadState(c.Request.Context(), req.State, req.Polygon)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		writeArtifact(c, artifact)
	}
}

// StreamCARHandler は POST /stream/car のハンドラーです。
func StreamCARHandler(client sicar.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req streamCARRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "car_number を JSON で送ってください。",
			})
			return
		}
		artifact, err := client.DownloadCAR(c.Request.Context(), req.CARNumber)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		writeArtifact(c, artifact)
	}
}

func writeArtifact(c *gin.Context, artifact *sicar.Artifact) {
	writeAttachment(c, artifact.Filename, int64(len(artifact.Content)))
	c.Data(http.StatusOK, "application/zip", artifact.Content)
}

func writeAttachment(c *gin.Context, filename string, size int64) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-File-Size", strconv.FormatInt(size, 10))
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation("INVALID_INPUT", "id は正の整数で指定してください。")
	}
	return id, nil
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperror.Validationf("INVALID_INPUT", "%s は 0 以上の整数で指定してください。", key)
	}
	return value, nil
}
