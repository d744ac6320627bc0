package router

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/warppool/warppool/pkg/api"
)

// statusInterval is how often the cached status is pushed to stream
// subscribers. The status cache absorbs the polling cost.
const statusInterval = 3 * time.Second

// ServeStream upgrades to a WebSocket and pushes status snapshots and log
// lines until the client goes away.
func (b *Backend) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The panel frontend may be served from another origin in dev.
		InsecureSkipVerify: true,
	})
	if err != nil {
		logrus.Debugf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	logs, cancel := b.Logs.Subscribe()
	defer cancel()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// Initial snapshot so the client renders immediately.
	status := b.Warp.Current().Status(ctx)
	if err := wsjson.Write(ctx, conn, api.Event{Type: "status", Status: &status}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-logs:
			if err := wsjson.Write(ctx, conn, api.Event{Type: "log", Log: &entry}); err != nil {
				return
			}
		case <-ticker.C:
			status := b.Warp.Current().Status(ctx)
			if err := wsjson.Write(ctx, conn, api.Event{Type: "status", Status: &status}); err != nil {
				return
			}
		}
	}
}
