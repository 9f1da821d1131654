package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gluk-w/webterm/internal/protocol"
	"github.com/gluk-w/webterm/internal/relay"
)

// Handler serves the relay's HTTP surface. The registry is injected by main;
// nothing here holds package-level state.
type Handler struct {
	registry *relay.Registry
}

// New creates a Handler around the given registry.
func New(registry *relay.Registry) *Handler {
	return &Handler{registry: registry}
}

// Close code sent to transports rejected at admission.
const statusCapacity websocket.StatusCode = 4503

// TerminalWS upgrades the connection and hands it to the session lifecycle
// manager. A transport rejected for capacity gets exactly one error envelope
// and is closed without ever entering the registry.
func (h *Handler) TerminalWS(w http.ResponseWriter, r *http.Request) {
	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	clientConn.SetReadLimit(1024 * 1024)

	transport := &wsTransport{conn: clientConn}
	sess, err := h.registry.Admit(transport)
	if err != nil {
		if errors.Is(err, relay.ErrCapacity) {
			msg := fmt.Sprintf("session limit reached (%d), try again later", h.registry.Max())
			if data, encErr := protocol.Encode(protocol.Error(msg)); encErr == nil {
				clientConn.Write(r.Context(), websocket.MessageText, data)
			}
			clientConn.Close(statusCapacity, "session limit reached")
			return
		}
		log.Printf("Admission failed: %v", err)
		clientConn.Close(websocket.StatusInternalError, "admission failed")
		return
	}

	sess.Run(r.Context())
}

// wsTransport adapts a coder/websocket connection to relay.ClientTransport.
// Envelopes travel as text frames.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	// Close reasons are capped at 123 bytes by the protocol.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
