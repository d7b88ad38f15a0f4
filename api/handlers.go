package api

import (
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"ideaboard/board"
	"ideaboard/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, sessions *Sessions, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/healthz", healthz())
	e.GET("/api/projects/:projectID/ideas", getIdeas(sessions, auth, logger))
	e.POST("/api/projects/:projectID/ideas", createIdea(sessions, auth, deduper, logger))
	e.PATCH("/api/projects/:projectID/ideas/:id", updateIdea(sessions, auth, deduper, logger))
	e.DELETE("/api/projects/:projectID/ideas/:id", deleteIdea(sessions, auth, deduper, logger))
	e.POST("/api/projects/:projectID/ideas/:id/position", moveIdea(sessions, auth, deduper, logger))
	e.POST("/api/projects/:projectID/ideas/:id/collapsed", collapseIdea(sessions, auth, logger))
	e.GET("/api/projects/:projectID/stream", streamIdeas(sessions, auth))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getIdeas(sessions *Sessions, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newIdeasRequestMetrics(ctx, logger)
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		actor, authErr := auth.ActorFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		fetchStart := time.Now()
		sess, sessErr := sessions.Acquire(ctx, actor, c.Param("projectID"))
		metrics.ObserveFetch(time.Since(fetchStart))
		if sessErr != nil {
			metrics.SetErrorStage("load")
			c.Logger().Error(sessErr)
			err = c.String(http.StatusInternalServerError, sessErr.Error())
			return err
		}

		ideas := sess.svc.Ideas()
		pending := sess.svc.PendingCount()
		metrics.SetIdeasReturned(len(ideas))
		metrics.SetPendingCount(pending)
		err = c.JSON(http.StatusOK, ideasResponse{Ideas: ideas, PendingMutations: pending})
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// requireSession authenticates the request and returns the actor's
// session for the project in the path. Guests are rejected when
// mutating is true. On failure the response has already been written
// and ok is false.
func requireSession(c echo.Context, sessions *Sessions, auth Authenticator, mutating bool) (Actor, *session, bool) {
	actor, err := auth.ActorFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		_ = c.String(http.StatusUnauthorized, err.Error())
		return Actor{}, nil, false
	}
	if mutating && actor.Guest {
		_ = c.String(http.StatusForbidden, "guests cannot modify the board")
		return Actor{}, nil, false
	}
	sess, err := sessions.Acquire(c.Request().Context(), actor, c.Param("projectID"))
	if err != nil {
		c.Logger().Error(err)
		_ = c.String(http.StatusInternalServerError, err.Error())
		return Actor{}, nil, false
	}
	return actor, sess, true
}

// claimIdempotency consumes the request's Idempotency-Key header, if
// any. It returns false when the key was already seen; the release
// function re-opens the key for requests rejected before any work ran.
func claimIdempotency(c echo.Context, deduper Deduper, userID string) (release func(), fresh bool) {
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" || deduper == nil {
		return func() {}, true
	}
	ctx := c.Request().Context()
	added, err := deduper.Add(ctx, userID, key)
	if err != nil {
		// Dedupe is best effort; storage stays consistent without it.
		c.Logger().Errorf("idempotency add failed: %v", err)
		return func() {}, true
	}
	if !added {
		return func() {}, false
	}
	return func() {
		if rerr := deduper.Remove(ctx, userID, key); rerr != nil {
			c.Logger().Errorf("idempotency rollback failed: %v", rerr)
		}
	}, true
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// settlementLogger reports terminal transitions for mutations whose
// HTTP request has already been answered.
func settlementLogger(logger *log.Logger, kind string) board.Callbacks {
	return board.Callbacks{
		OnError: func(opID string, err error) {
			logger.WithError(err).WithFields(log.Fields{"op": opID, "kind": kind}).Warn("mutation rejected by backend")
		},
		OnRevert: func(opID string) {
			logger.WithFields(log.Fields{"op": opID, "kind": kind}).Warn("mutation timed out")
		},
	}
}

func createIdea(sessions *Sessions, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, sess, ok := requireSession(c, sessions, auth, true)
		if !ok {
			return nil
		}
		var req createIdeaRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Content == "" {
			return c.String(http.StatusBadRequest, "content is required")
		}

		release, fresh := claimIdempotency(c, deduper, actor.UserID)
		if !fresh {
			return c.JSON(http.StatusConflict, mutationResponse{Error: "duplicate request"})
		}

		opID := sess.svc.Create(domain.Idea{
			Content:  req.Content,
			Detail:   req.Detail,
			X:        req.X,
			Y:        req.Y,
			Priority: req.Priority,
		}, settlementLogger(logger, "create"))
		if opID == "" {
			release()
			return c.JSON(http.StatusConflict, mutationResponse{Error: "mutation rejected"})
		}
		return c.JSON(http.StatusAccepted, mutationResponse{OperationID: opID})
	}
}

func updateIdea(sessions *Sessions, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, sess, ok := requireSession(c, sessions, auth, true)
		if !ok {
			return nil
		}
		var changes domain.IdeaChanges
		if err := decodeBody(c, &changes); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id := c.Param("id")
		if _, found := sess.svc.Find(id); !found {
			return c.String(http.StatusNotFound, "idea not found")
		}

		release, fresh := claimIdempotency(c, deduper, actor.UserID)
		if !fresh {
			return c.JSON(http.StatusConflict, mutationResponse{Error: "duplicate request"})
		}

		opID := sess.svc.Update(id, changes, settlementLogger(logger, "update"))
		if opID == "" {
			// Nothing differed, or the entity already has an operation
			// in flight; either way no write was issued.
			release()
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusAccepted, mutationResponse{OperationID: opID})
	}
}

func deleteIdea(sessions *Sessions, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, sess, ok := requireSession(c, sessions, auth, true)
		if !ok {
			return nil
		}
		id := c.Param("id")
		if _, found := sess.svc.Find(id); !found {
			return c.String(http.StatusNotFound, "idea not found")
		}

		release, fresh := claimIdempotency(c, deduper, actor.UserID)
		if !fresh {
			return c.JSON(http.StatusConflict, mutationResponse{Error: "duplicate request"})
		}

		opID := sess.svc.Delete(id, settlementLogger(logger, "delete"))
		if opID == "" {
			release()
			return c.JSON(http.StatusConflict, mutationResponse{Error: "mutation rejected"})
		}
		return c.JSON(http.StatusAccepted, mutationResponse{OperationID: opID})
	}
}

func moveIdea(sessions *Sessions, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, sess, ok := requireSession(c, sessions, auth, true)
		if !ok {
			return nil
		}
		var req moveIdeaRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id := c.Param("id")
		if _, found := sess.svc.Find(id); !found {
			return c.String(http.StatusNotFound, "idea not found")
		}

		release, fresh := claimIdempotency(c, deduper, actor.UserID)
		if !fresh {
			return c.JSON(http.StatusConflict, mutationResponse{Error: "duplicate request"})
		}

		opID := sess.svc.DragEnd(id, req.DxPx, req.DyPx, req.WidthPx, req.HeightPx, settlementLogger(logger, "move"))
		if opID == "" {
			release()
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusAccepted, mutationResponse{OperationID: opID})
	}
}

func collapseIdea(sessions *Sessions, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, sess, ok := requireSession(c, sessions, auth, true)
		if !ok {
			return nil
		}
		var req collapseRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id := c.Param("id")
		if _, found := sess.svc.Find(id); !found {
			return c.String(http.StatusNotFound, "idea not found")
		}

		if err := sess.svc.ToggleCollapsed(c.Request().Context(), id, req.Collapsed); err != nil {
			logger.WithError(err).WithField("idea", id).Warn("collapse toggle failed")
			return c.String(http.StatusBadGateway, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}
}

func streamIdeas(sessions *Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so the token may ride the query.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		actor, err := auth.ActorFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		sess, err := sessions.Acquire(c.Request().Context(), actor, c.Param("projectID"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		updates := sess.broker.subscribe()
		defer sess.broker.unsubscribe(updates)

		ctx := c.Request().Context()
		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()
		for {
			sess.touch()
			data, err := sonic.Marshal(sess.svc.Ideas())
			if err == nil {
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(data); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
			select {
			case <-ctx.Done():
				return nil
			case <-updates:
			case <-keepalive.C:
			}
		}
	}
}
