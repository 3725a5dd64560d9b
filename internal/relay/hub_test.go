package relay

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"hpwhdash/internal/telemetry"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func TestRelayEchoesToAllClientsIncludingSender(t *testing.T) {
	r := New(zerolog.Nop(), nil)
	defer r.Close()
	srv := httptest.NewServer(r)
	defer srv.Close()

	index := dial(t, srv)
	plot := dial(t, srv)
	time.Sleep(50 * time.Millisecond)

	msg := `{"source":"index","dest":"test-proc","cmd":"replot","simulated_filepath":"out.csv"}`
	require.NoError(t, index.WriteMessage(websocket.TextMessage, []byte(msg)))

	require.Equal(t, msg, readText(t, plot))
	require.Equal(t, msg, readText(t, index))
}

func TestRelayBroadcastFromServer(t *testing.T) {
	r := New(zerolog.Nop(), nil)
	defer r.Close()
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv)
	time.Sleep(50 * time.Millisecond)
	require.True(t, r.Broadcast([]byte(`{"dest":"index","cmd":"refresh"}`)))
	require.Equal(t, `{"dest":"index","cmd":"refresh"}`, readText(t, conn))
}

func TestRestartDropsClients(t *testing.T) {
	r := New(zerolog.Nop(), nil)
	defer r.Close()
	srv := httptest.NewServer(r)
	defer srv.Close()

	old := dial(t, srv)
	time.Sleep(50 * time.Millisecond)
	r.Restart()

	require.NoError(t, old.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := old.ReadMessage()
	require.Error(t, err)

	fresh := dial(t, srv)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, fresh.WriteMessage(websocket.TextMessage, []byte(`{"cmd":"init"}`)))
	require.Equal(t, `{"cmd":"init"}`, readText(t, fresh))
}

func TestRelayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	r := New(zerolog.Nop(), collector)
	defer r.Close()
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	readText(t, conn)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.Metric {
			if m.Gauge != nil {
				values[mf.GetName()] = m.Gauge.GetValue()
			}
			if m.Counter != nil {
				values[mf.GetName()] = m.Counter.GetValue()
			}
		}
	}
	require.Equal(t, 1.0, values["hpwhdash_relay_clients"])
	require.Equal(t, 1.0, values["hpwhdash_relay_messages_total"])
}
