package httpserver

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/oddsmill/sequencer/internal/observability"
)

const feedBuffer = 64

// serveFeed streams the market's cycle events over a websocket. The stream
// is best-effort: a consumer that falls behind misses events rather than
// stalling the sequencer.
func (s *httpServer) serveFeed(w http.ResponseWriter, r *http.Request, marketID string) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "market feed unavailable")
		return
	}
	if _, err := s.stores.Markets.Get(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS already allows any origin
	})
	if err != nil {
		observability.Log().Debug("feed accept failed",
			observability.F("market", marketID),
			observability.F("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	events, cancel := s.bus.Subscribe(marketID, feedBuffer)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				observability.Log().Debug("feed write failed",
					observability.F("market", marketID),
					observability.F("error", err))
				return
			}
		}
	}
}
