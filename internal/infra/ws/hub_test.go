package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/peterldowns/testy/check"
)

func startHub(t *testing.T) (*Hub, *infra.Metrics, *httptest.Server) {
	t.Helper()
	metrics := &infra.Metrics{}
	snapshot := func(id string) (domain.Listing, error) {
		if id != "L1" && id != "L2" {
			return domain.Listing{}, &domain.StateError{ListingID: id, Err: domain.ErrListingNotFound}
		}
		return domain.Listing{ID: id, Status: domain.StatusActive}, nil
	}
	hub := NewHub(snapshot, metrics, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	hub.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, metrics, srv
}

func dial(t *testing.T, srv *httptest.Server, listingID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/listings/" + listingID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	return env
}

func waitWatchers(t *testing.T, metrics *infra.Metrics, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && metrics.Snapshot().Watchers != want {
		time.Sleep(5 * time.Millisecond)
	}
	check.Equal(t, want, metrics.Snapshot().Watchers)
}

func TestHub_StreamsListingEvents(t *testing.T) {
	hub, metrics, srv := startHub(t)
	conn := dial(t, srv, "L1")

	first := readEnvelope(t, conn)
	check.Equal(t, "listing", first["type"])
	waitWatchers(t, metrics, 1)

	price := domain.Amount(110000)
	ctx := context.Background()
	check.NoError(t, hub.Publish(ctx, &domain.PriceChanged{ListingID: "L2", Price: &price}))
	check.NoError(t, hub.Publish(ctx, &domain.OrderCreationRequested{ListingID: "L1", BuyerID: "a", Price: price}))
	check.NoError(t, hub.Publish(ctx, &domain.PriceChanged{ListingID: "L1", LeaderID: "a", Price: &price}))

	env := readEnvelope(t, conn)
	check.Equal(t, "price_changed", env["type"])
	payload := env["payload"].(map[string]any)
	check.Equal(t, "L1", payload["listing_id"])
	gotPrice, ok := payload["price"].(float64)
	check.True(t, ok)
	check.Equal(t, float64(110000), gotPrice)

	check.NoError(t, hub.Publish(ctx, &domain.AuctionSettled{ListingID: "L1", Outcome: domain.OutcomeSold, WinnerID: "a"}))
	env = readEnvelope(t, conn)
	check.Equal(t, "auction_settled", env["type"])
}

func TestHub_UnknownListing(t *testing.T) {
	_, _, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/ws/listings/nope")
	check.NoError(t, err)
	defer resp.Body.Close()
	check.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_WatcherLeaves(t *testing.T) {
	_, metrics, srv := startHub(t)
	conn := dial(t, srv, "L1")
	readEnvelope(t, conn)
	waitWatchers(t, metrics, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitWatchers(t, metrics, 0)
}

func TestHub_Metrics(t *testing.T) {
	_, metrics, srv := startHub(t)
	metrics.RecordSettlement()

	resp, err := http.Get(srv.URL + "/metrics")
	check.NoError(t, err)
	defer resp.Body.Close()

	var snap infra.MetricsSnapshot
	check.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	check.Equal(t, uint64(1), snap.Settlements)
}
