package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-api/domain"
)

const maxLogsLimit = 1000

var errBodyTooLarge = errors.New("request body too large")

// Register wires up all API routes on the provided Echo instance. A nil auth
// leaves the board open and a nil deduper disables Idempotency-Key checks.
func Register(e *echo.Echo, board Board, broker *Broker, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz())

	e.POST("/tasks", createTask(board, auth, deduper, logger))
	e.GET("/tasks", listTasks(board, auth, logger))
	e.PATCH("/tasks/:id", updateTask(board, auth, logger))
	e.DELETE("/tasks/:id", deleteTask(board, auth, logger))
	e.GET("/logs", listLogs(board, auth, logger))
	if broker != nil {
		var mw []echo.MiddlewareFunc
		if auth != nil {
			mw = append(mw, requireAuth(auth, logger))
		}
		e.GET("/stream", streamTasks(board, broker, logger), mw...)
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// instrument wraps a handler with request telemetry. When auth is set the
// bearer token is verified inside the span so rejected requests are observed
// like any other outcome.
func instrument(op, route string, auth Authenticator, logger *log.Logger, h func(echo.Context, *boardRequestMetrics) error) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newBoardRequestMetrics(c.Request().Context(), logger, op, route)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		if auth != nil {
			authStart := time.Now()
			userID, authErr := auth.UserIDFromAuthHeader(authHeader(c))
			metrics.ObserveAuth(time.Since(authStart))
			if authErr != nil {
				metrics.SetErrorStage("auth")
				logger.WithError(authErr).WithField("path", c.Path()).Debug("unauthorized request")
				return c.String(http.StatusUnauthorized, authErr.Error())
			}
			c.Set(userContextKey, userID)
		}
		return h(c, metrics)
	}
}

func createTask(board Board, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return instrument("create", "/tasks", auth, logger, func(c echo.Context, m *boardRequestMetrics) error {
		ctx := c.Request().Context()
		var req createTaskRequest
		if err := decodeBody(c.Request().Body, &req); err != nil {
			m.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		scope := requestScope(c)
		recorded := false
		if key != "" && deduper != nil {
			added, err := deduper.Add(ctx, scope, key)
			switch {
			case err != nil:
				logger.WithError(err).WithField("key", key).Warn("idempotency check failed, creating anyway")
			case !added:
				m.SetErrorStage("duplicate")
				return c.String(http.StatusConflict, "duplicate request")
			default:
				recorded = true
			}
		}

		storeStart := time.Now()
		task, err := board.Create(ctx, req.Title)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			if recorded {
				if rerr := deduper.Remove(context.WithoutCancel(ctx), scope, key); rerr != nil {
					logger.Errorf("dedupe rollback failed, err: %v, key: %s, scope: %s", rerr, key, scope)
				}
			}
			return writeError(c, m, logger, err)
		}
		m.SetTaskID(task.ID)
		return encode(c, m, http.StatusCreated, task)
	})
}

func listTasks(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrument("list", "/tasks", auth, logger, func(c echo.Context, m *boardRequestMetrics) error {
		storeStart := time.Now()
		tasks, err := board.List(c.Request().Context())
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			return writeError(c, m, logger, err)
		}
		m.SetItemsReturned(len(tasks))
		return encode(c, m, http.StatusOK, tasks)
	})
}

func updateTask(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrument("move", "/tasks/:id", auth, logger, func(c echo.Context, m *boardRequestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)
		var req domain.MoveRequest
		if err := decodeBody(c.Request().Body, &req); err != nil {
			m.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}

		storeStart := time.Now()
		task, err := board.Move(c.Request().Context(), id, req)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			return writeError(c, m, logger, err)
		}
		return encode(c, m, http.StatusOK, task)
	})
}

func deleteTask(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrument("delete", "/tasks/:id", auth, logger, func(c echo.Context, m *boardRequestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)
		storeStart := time.Now()
		task, err := board.Remove(c.Request().Context(), id)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			return writeError(c, m, logger, err)
		}
		return encode(c, m, http.StatusOK, task)
	})
}

func listLogs(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return instrument("logs", "/logs", auth, logger, func(c echo.Context, m *boardRequestMetrics) error {
		limit := 0
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			var err error
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				m.SetErrorStage("invalid_limit")
				return c.String(http.StatusBadRequest, "invalid limit")
			}
			if limit > maxLogsLimit {
				limit = maxLogsLimit
			}
		}

		storeStart := time.Now()
		entries, err := board.Logs(c.Request().Context(), limit)
		m.ObserveStore(time.Since(storeStart))
		if err != nil {
			return writeError(c, m, logger, err)
		}
		m.SetItemsReturned(len(entries))
		return encode(c, m, http.StatusOK, entries)
	})
}

// decodeBody reads a JSON body of at most requestMaxSize bytes. An empty body
// leaves v untouched.
func decodeBody(body io.Reader, v any) error {
	if body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(body, requestMaxSize+1))
	if err != nil {
		return err
	}
	if len(data) > requestMaxSize {
		return errBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(data, v)
}

func encode(c echo.Context, m *boardRequestMetrics, status int, v any) error {
	encodeStart := time.Now()
	err := c.JSON(status, v)
	m.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func writeError(c echo.Context, m *boardRequestMetrics, logger *log.Logger, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		m.SetErrorStage("not_found")
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		m.SetErrorStage("invalid_status")
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrConcurrencyConflict):
		m.SetErrorStage("conflict")
		logger.WithError(err).WithField("path", c.Path()).Warn("board request conflicted")
		return c.String(http.StatusConflict, domain.ErrConcurrencyConflict.Error())
	}
	m.SetErrorStage("storage")
	logger.WithError(err).WithField("path", c.Path()).Error("board request failed")
	return c.String(http.StatusInternalServerError, "internal error")
}

func requestScope(c echo.Context) string {
	if uid, ok := c.Get(userContextKey).(string); ok && uid != "" {
		return uid
	}
	return anonymousScope
}
