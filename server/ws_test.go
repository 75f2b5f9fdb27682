package server

import (
	"encoding/json"
	"image"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/loomstyle/imgio"
	"github.com/openfluke/loomstyle/style"
)

func dialTransfer(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/style-transfer/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func TestWebSocketStreamsProgressThenImage(t *testing.T) {
	s := newTestServer(t, testConfig())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialTransfer(t, ts)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"steps": 3, "report_every": 1}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, gradientPNG(t, 40, 24)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, checkerPNG(t, 16, 16)))

	var steps []int
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			img, err := imgio.DecodeBytes(data)
			require.NoError(t, err)
			wantW, wantH := style.FitWithin(40, 24, 32)
			assert.Equal(t, image.Rect(0, 0, wantW, wantH), img.Bounds())
			break
		}

		var msg struct {
			Type  string  `json:"type"`
			JobID string  `json:"job_id"`
			Step  int     `json:"step"`
			Steps int     `json:"steps"`
			Total float64 `json:"total_loss"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "progress", msg.Type, string(data))
		assert.NotEmpty(t, msg.JobID)
		assert.Equal(t, 3, msg.Steps)
		assert.GreaterOrEqual(t, msg.Total, 0.0)
		steps = append(steps, msg.Step)
	}
	assert.Equal(t, []int{0, 1, 2}, steps)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketReportsErrors(t *testing.T) {
	s := newTestServer(t, testConfig())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	cases := []struct {
		name     string
		messages []func(*websocket.Conn) error
		kind     style.Kind
	}{
		{
			name: "bad image",
			messages: []func(*websocket.Conn) error{
				func(c *websocket.Conn) error { return c.WriteMessage(websocket.BinaryMessage, []byte("not an image")) },
				func(c *websocket.Conn) error { return c.WriteMessage(websocket.BinaryMessage, checkerPNG(t, 32, 32)) },
			},
			kind: style.KindDecode,
		},
		{
			name: "bad overrides",
			messages: []func(*websocket.Conn) error{
				func(c *websocket.Conn) error {
					return c.WriteMessage(websocket.TextMessage, []byte(`{"steps": "ten"}`))
				},
			},
			kind: style.KindConfig,
		},
		{
			name: "overrides over cap",
			messages: []func(*websocket.Conn) error{
				func(c *websocket.Conn) error {
					return c.WriteMessage(websocket.TextMessage, []byte(`{"max_size": 4096}`))
				},
				func(c *websocket.Conn) error { return c.WriteMessage(websocket.BinaryMessage, gradientPNG(t, 32, 32)) },
				func(c *websocket.Conn) error { return c.WriteMessage(websocket.BinaryMessage, checkerPNG(t, 32, 32)) },
			},
			kind: style.KindConfig,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dialTransfer(t, ts)
			defer conn.Close()
			for _, send := range tc.messages {
				require.NoError(t, send(conn))
			}

			mt, data, err := conn.ReadMessage()
			require.NoError(t, err)
			require.Equal(t, websocket.TextMessage, mt)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(data, &resp))
			assert.Equal(t, "error", resp.Type)
			assert.Equal(t, tc.kind.String(), resp.Kind)
			assert.NotEmpty(t, resp.JobID)
		})
	}
}

func TestProgressBufferHoldsEveryReport(t *testing.T) {
	cfg := style.DefaultConfig()
	assert.Equal(t, 3, progressBuffer(cfg)) // steps 0, 400, 800

	cfg.Steps, cfg.ReportEvery = 3, 1
	assert.Equal(t, 4, progressBuffer(cfg))

	cfg.ReportEvery = 0
	assert.Equal(t, 1, progressBuffer(cfg))

	cfg.Steps, cfg.ReportEvery = 1_000_000, 1
	assert.Equal(t, maxProgressBuffer, progressBuffer(cfg))
}
