package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshauth"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshterminal"
)

// terminalRateLimit is the maximum number of inbound frames per second per
// connection; terminalRateBurst allows short paste bursts before limiting.
const (
	terminalRateLimit = 200
	terminalRateBurst = 200
)

// Frame contract: binary WebSocket frames carry raw terminal bytes in both
// directions; text frames carry a JSON control envelope. The only inbound
// control message is {"type":"resize","cols":N,"rows":N}; the only outbound
// one is {"type":"session_info","session_id":"..."} sent on open.
type termResizeMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// OpenTerminalSession upgrades to a WebSocket and bridges it to a new
// interactive shell on the target server.
// GET /api/v1/servers/{id}/terminal?credential_id=
func OpenTerminalSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}

	srv, err := database.GetServer(database.DB, uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}

	actor := middleware.GetActor(r)
	credentialID := r.URL.Query().Get("credential_id")

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx := r.Context()

	sess, err := TermMgr.Open(ctx, srv, credentialID, actor.Name)
	if err != nil {
		log.Printf("Terminal open failed for server %d: %v", srv.ID, err)
		if errors.Is(err, sshauth.ErrAuthentication) {
			clientConn.Close(4401, "SSH authentication failed")
		} else {
			clientConn.Close(4500, "Failed to open terminal session")
		}
		return
	}

	clientConn.SetReadLimit(1024 * 1024)

	sessionInfo, _ := json.Marshal(map[string]string{
		"type":       "session_info",
		"session_id": sess.ID,
	})
	if err := clientConn.Write(ctx, websocket.MessageText, sessionInfo); err != nil {
		TermMgr.Close(sess.ID, actor.Name)
		return
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// End the relay when the session is terminated elsewhere (idle watchdog,
	// API close, remote exit).
	go func() {
		select {
		case <-sess.Done():
			relayCancel()
		case <-relayCtx.Done():
		}
	}()

	// Shell stdout -> client
	go func() {
		defer relayCancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := sess.Terminal.Stdout.Read(buf)
			if n > 0 {
				if werr := clientConn.Write(relayCtx, websocket.MessageBinary, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				TermMgr.HandleRemoteClose(sess, err)
				return
			}
		}
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Client -> shell stdin; every accepted frame touches the session.
	for {
		msgType, data, err := clientConn.Read(relayCtx)
		if err != nil {
			break
		}

		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > sshterminal.MaxInputMessageSize {
				log.Printf("Terminal input too large: session=%s size=%d", sess.ID, len(data))
				continue
			}
			TermMgr.Touch(sess)
			if _, err := sess.Terminal.Stdin.Write(data); err != nil {
				break
			}
		} else {
			var msg termResizeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
				TermMgr.Touch(sess)
				sess.Terminal.Resize(msg.Cols, msg.Rows)
			}
		}
	}

	// Client went away: a disconnect is a caller-initiated close unless the
	// session already reached a terminal state.
	TermMgr.Close(sess.ID, actor.Name)
	clientConn.Close(websocket.StatusNormalClosure, "")
}

// tokenBucket is a simple per-connection rate limiter for terminal frames.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
