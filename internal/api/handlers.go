package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	mw "github.com/tphakala/audiograph/internal/api/middleware"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusResponse describes the engine.
type StatusResponse struct {
	ID         string  `json:"id"`
	Playing    bool    `json:"playing"`
	Closed     bool    `json:"closed"`
	State      string  `json:"state"`
	SampleRate float64 `json:"sampleRate"`
	Nodes      int     `json:"nodes"`
	Edges      int     `json:"edges"`
}

// PlaybackResponse is returned by playback actions.
type PlaybackResponse struct {
	Action  string `json:"action"`
	State   string `json:"state"`
	Playing bool   `json:"playing"`
}

func (s *Server) status() StatusResponse {
	return StatusResponse{
		ID:         s.engine.ID(),
		Playing:    s.engine.Playing(),
		Closed:     s.engine.Closed(),
		State:      s.engine.State(),
		SampleRate: s.engine.Context().SampleRate(),
		Nodes:      len(s.engine.LiveIDs()),
		Edges:      len(s.engine.Connections()),
	}
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) getGraph(c echo.Context) error {
	return c.JSON(http.StatusOK, graph.ToFile(s.engine.Graph()))
}

// putGraph replaces the graph. The body is a graph file in JSON or YAML;
// ?reset=true rebuilds every unit instead of diffing.
func (s *Server) putGraph(c echo.Context) error {
	reset := false
	if v := c.QueryParam("reset"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return s.fail(c, err, "invalid reset parameter", http.StatusBadRequest)
		}
		reset = b
	}

	g, err := graph.Decode(c.Request().Body, s.engine.Registry())
	if err != nil {
		return s.fail(c, err, "invalid graph", http.StatusBadRequest)
	}
	if err := s.engine.Update(g, reset); err != nil {
		if errors.IsUsage(err) {
			return s.fail(c, err, "graph rejected", http.StatusUnprocessableEntity)
		}
		return s.fail(c, err, "applying graph failed", http.StatusInternalServerError)
	}
	s.log.Info("graph replaced",
		logger.Int("nodes", len(g.Nodes)),
		logger.Int("edges", len(g.Edges)),
		logger.Bool("reset", reset),
		logger.String("request_id", mw.RequestID(c)))
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) postPlayback(c echo.Context) error {
	action := c.Param("action")
	var op func() error
	switch action {
	case "play":
		op = s.engine.Play
	case "pause":
		op = s.engine.Pause
	case "stop":
		op = s.engine.Stop
	default:
		return s.fail(c, nil, "unknown playback action "+strconv.Quote(action), http.StatusNotFound)
	}

	if err := op(); err != nil {
		if errors.IsUsage(err) {
			return s.fail(c, err, action+" not allowed", http.StatusConflict)
		}
		return s.fail(c, err, action+" failed", http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, PlaybackResponse{
		Action:  action,
		State:   s.engine.State(),
		Playing: s.engine.Playing(),
	})
}

func (s *Server) getLevels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Levels())
}

// fail logs err and writes an ErrorResponse with code.
func (s *Server) fail(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{
		Error:     http.StatusText(code),
		Message:   message,
		Code:      code,
		RequestID: mw.RequestID(c),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	fields := []logger.Field{
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
		logger.String("method", c.Request().Method),
		logger.String("request_id", resp.RequestID),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("API error", fields...)
	} else {
		s.log.Warn("API error", fields...)
	}
	return c.JSON(code, resp)
}
