package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openfluke/loomstyle/imgio"
	"github.com/openfluke/loomstyle/style"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	uploadWait = 60 * time.Second

	maxProgressBuffer = 1024
)

type progressMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	style.Report
}

// handleTransferWS runs one transfer over a WebSocket. The client sends an
// optional JSON text message of Overrides followed by the content and the
// style image as binary messages. The server streams progress as JSON and
// ends with the PNG as one binary message, or a JSON error.
func (s *Server) handleTransferWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	jobID := uuid.NewString()
	logger := s.logger.With("job_id", jobID, "request_id", middleware.GetReqID(r.Context()))
	fail := func(err error) {
		kind := style.KindOf(err)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(errorResponse{Type: "error", Error: err.Error(), Kind: kind.String(), JobID: jobID})
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, kind.String()))
	}

	o, images, err := s.readUpload(conn)
	if err != nil {
		if style.KindOf(err) == style.KindDecode || style.KindOf(err) == style.KindConfig {
			fail(err)
		}
		logger.Warn("websocket upload failed", "error", err)
		return
	}

	cfg, err := s.applyOverrides(o)
	if err != nil {
		fail(err)
		return
	}
	content, err := imgio.DecodeBytes(images[0])
	if err != nil {
		fail(style.E(style.KindDecode, "content_image", err))
		return
	}
	styleImg, err := imgio.DecodeBytes(images[1])
	if err != nil {
		fail(style.E(style.KindDecode, "style_image", err))
		return
	}

	// The hijacked request context does not see client disconnects, so a
	// reader goroutine cancels the transfer when the connection drops
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-readerDone
	}()

	release, err := s.acquire(ctx)
	if err != nil {
		fail(err)
		return
	}
	defer release()

	// The transfer runs on its own goroutine while this one writes progress
	progress := style.NewChannelObserver(progressBuffer(cfg))
	type outcome struct {
		res *style.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.run(ctx, content, styleImg, cfg, logger, progress)
		done <- outcome{res, err}
	}()

	writeOK := true
	send := func(rep style.Report) {
		if !writeOK {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(progressMessage{Type: "progress", JobID: jobID, Report: rep}); err != nil {
			writeOK = false
			cancel()
		}
	}
	var out outcome
	for finished := false; !finished; {
		select {
		case rep := <-progress.Reports:
			send(rep)
		case out = <-done:
			finished = true
		}
	}
	for drained := false; !drained; {
		select {
		case rep := <-progress.Reports:
			send(rep)
		default:
			drained = true
		}
	}
	if out.err != nil {
		fail(out.err)
		return
	}
	res := out.res

	png, err := imgio.PNGBytes(res.Image)
	if err != nil {
		fail(style.E(style.KindInternal, "encode", err))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, png); err != nil {
		logger.Warn("websocket write failed", "error", err)
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

// progressBuffer sizes the report channel to hold every report of a run,
// bounded by maxProgressBuffer
func progressBuffer(cfg style.Config) int {
	if cfg.ReportEvery <= 0 {
		return 1
	}
	return min(cfg.Steps/cfg.ReportEvery+1, maxProgressBuffer)
}

// readUpload reads the optional overrides message and the two images
func (s *Server) readUpload(conn *websocket.Conn) (Overrides, [][]byte, error) {
	var o Overrides
	conn.SetReadLimit(s.cfg.MaxUploadBytes)
	conn.SetReadDeadline(time.Now().Add(uploadWait))
	defer conn.SetReadDeadline(time.Time{})

	images := make([][]byte, 0, 2)
	for len(images) < 2 {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return o, nil, style.E(style.KindDecode, "upload", err)
			}
			return o, nil, err
		}
		switch mt {
		case websocket.TextMessage:
			if len(images) > 0 {
				return o, nil, style.E(style.KindConfig, "upload", errors.New("overrides must precede the images"))
			}
			if err := json.Unmarshal(data, &o); err != nil {
				return o, nil, style.E(style.KindConfig, "overrides", err)
			}
		case websocket.BinaryMessage:
			images = append(images, data)
		}
	}
	return o, images, nil
}
