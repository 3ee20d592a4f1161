package scheduler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/ledger"
	"github.com/cheri-hub/sicar-api/internal/trigger"
)

const maxTaskLimit = 500

// ListJobsHandler は GET /scheduler/jobs のハンドラーです。
func ListJobsHandler(r *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"running": r.Running(),
			"jobs":    r.Jobs(),
		})
	}
}

// RunHandler は POST /scheduler/jobs/:name/run のハンドラーです。
// 実行記録を作成した時点で 202 を返します。
func RunHandler(r *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		taskID, err := r.RunNow(c.Request.Context(), name)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		job, err := r.Job(name)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"message": "タスクの実行を開始しました。",
			"task_id": taskID,
			"job":     job,
		})
	}
}

// PauseHandler は POST /scheduler/jobs/:name/pause のハンドラーです。
func PauseHandler(r *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := r.Pause(c.Request.Context(), c.Param("name"))
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// ResumeHandler は POST /scheduler/jobs/:name/resume のハンドラーです。
func ResumeHandler(r *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := r.Resume(c.Request.Context(), c.Param("name"))
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// RescheduleHandler は POST /scheduler/jobs/:name/reschedule のハンドラーです。
func RescheduleHandler(r *Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if _, err := r.Job(name); err != nil {
			apperror.Respond(c, err)
			return
		}

		var doc trigger.Document
		if err := c.ShouldBindJSON(&doc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "schedule_type などを JSON で送ってください。",
			})
			return
		}
		spec, err := trigger.FromDocument(doc)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		job, err := r.Reschedule(c.Request.Context(), name, spec)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// TasksHandler は GET /scheduler/tasks のハンドラーです。新しい順に返します。
func TasksHandler(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 || value > maxTaskLimit {
				apperror.Respond(c, apperror.Validationf("INVALID_INPUT", "limit は 1〜%d の整数で指定してください。", maxTaskLimit))
				return
			}
			limit = value
		}

		tasks, err := l.List(c.Request.Context(), limit)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	}
}
