package main

// Socket gateway for remote listening devices. Clients never see the shared
// store directly; they speak a small event protocol that mirrors their
// record: join/ready/listening/submit/leave inbound, sessionUpdate and
// verdict outbound. Every outbound payload is the full current record, the
// same shape the store's own subscriptions deliver.

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"sync"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/google/uuid"

	"copresence/fsk"
	"copresence/models"
	"copresence/session"
	"copresence/store"
	"copresence/utils"
)

type socketController struct {
	store       store.Store
	coordinator *session.Coordinator

	mu   sync.Mutex
	subs map[string][]func() // socket id -> subscription cancels
}

type joinPayload struct {
	Participant string             `json:"participant"`
	Config      *fsk.EmitterConfig `json:"config,omitempty"`
}

type requestRef struct {
	RequestID string `json:"requestId"`
}

type submitPayload struct {
	RequestID       string   `json:"requestId"`
	DetectedPattern []string `json:"detectedPattern"`
}

func newSocketController(st store.Store, coordinator *session.Coordinator) *socketController {
	return &socketController{
		store:       st,
		coordinator: coordinator,
		subs:        make(map[string][]func()),
	}
}

func (c *socketController) register(server *socketio.Server) {
	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		log.Printf("CONNECTED: %s, remote addr: %s\n", socket.ID(), socket.RemoteAddr())
		return nil
	})

	server.OnEvent("/", "join", c.handleJoin)
	server.OnEvent("/", "ready", c.handleReady)
	server.OnEvent("/", "listening", c.handleListening)
	server.OnEvent("/", "submit", c.handleSubmit)
	server.OnEvent("/", "leave", c.handleLeave)

	server.OnDisconnect("/", func(socket socketio.Conn, reason string) {
		log.Printf("DISCONNECTED: %s (%s)\n", socket.ID(), reason)
		c.dropSocket(socket.ID())
	})

	server.OnError("/", func(socket socketio.Conn, err error) {
		log.Printf("socket error: %v\n", err)
	})
}

// handleJoin creates the participant's record and mirrors every change of it
// back to the client as sessionUpdate events.
func (c *socketController) handleJoin(socket socketio.Conn, raw string) {
	logger := utils.GetLogger()
	ctx := context.Background()

	var payload joinPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		utils.LogError(ctx, "failed to parse join payload", err)
		socket.Emit("sessionError", map[string]string{"message": "invalid join payload"})
		return
	}
	if payload.Participant == "" {
		payload.Participant = socket.ID()
	}
	cfg := fsk.ConfigFromEnv()
	if payload.Config != nil {
		cfg = *payload.Config
	}

	req := &models.VerificationRequest{
		ID:          uuid.NewString(),
		Participant: payload.Participant,
		Status:      models.StatusWaiting,
		Config:      cfg,
		CreatedAt:   time.Now(),
	}
	if err := c.store.Put(ctx, req); err != nil {
		utils.LogError(ctx, "failed to create request", err, slog.String("participant", payload.Participant))
		socket.Emit("sessionError", map[string]string{"message": "unable to join session"})
		return
	}

	unsub, err := c.store.Subscribe(ctx, req.ID, func(rec *models.VerificationRequest) {
		if rec == nil {
			socket.Emit("sessionEnded", map[string]string{"requestId": req.ID})
			return
		}
		socket.Emit("sessionUpdate", rec)
	})
	if err != nil {
		utils.LogError(ctx, "failed to subscribe to request", err, slog.String("requestID", req.ID))
		socket.Emit("sessionError", map[string]string{"message": "unable to join session"})
		return
	}

	c.mu.Lock()
	c.subs[socket.ID()] = append(c.subs[socket.ID()], unsub)
	c.mu.Unlock()

	logger.InfoContext(ctx, "participant joined",
		slog.String("socketID", socket.ID()),
		slog.String("participant", payload.Participant),
		slog.String("requestID", req.ID),
	)
	socket.Emit("joined", requestRef{RequestID: req.ID})
}

func (c *socketController) handleReady(socket socketio.Conn, raw string) {
	ctx := context.Background()
	ref, ok := c.parseRef(socket, raw)
	if !ok {
		return
	}

	if _, err := c.store.Update(ctx, ref.RequestID, func(rec *models.VerificationRequest) {
		if models.CanTransition(rec.Status, models.StatusReady) {
			rec.Status = models.StatusReady
		}
	}); err != nil {
		socket.Emit("sessionError", map[string]string{"message": "unable to mark ready"})
		return
	}
	c.coordinator.Kick()
}

// handleListening is the remote device confirming its microphone is live.
func (c *socketController) handleListening(socket socketio.Conn, raw string) {
	ctx := context.Background()
	ref, ok := c.parseRef(socket, raw)
	if !ok {
		return
	}

	if _, err := c.store.Update(ctx, ref.RequestID, func(rec *models.VerificationRequest) {
		if models.CanTransition(rec.Status, models.StatusListening) {
			rec.Status = models.StatusListening
		}
	}); err != nil {
		socket.Emit("sessionError", map[string]string{"message": "unable to confirm listening"})
	}
}

// handleSubmit receives the decoded symbol sequence from the remote device.
func (c *socketController) handleSubmit(socket socketio.Conn, raw string) {
	ctx := context.Background()

	var payload submitPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload.RequestID == "" {
		socket.Emit("sessionError", map[string]string{"message": "invalid submit payload"})
		return
	}

	if _, err := c.store.Update(ctx, payload.RequestID, func(rec *models.VerificationRequest) {
		rec.DetectedPattern = payload.DetectedPattern
	}); err != nil {
		utils.LogError(ctx, "failed to record detected pattern", err, slog.String("requestID", payload.RequestID))
		socket.Emit("sessionError", map[string]string{"message": "unable to record detected pattern"})
	}
}

func (c *socketController) handleLeave(socket socketio.Conn, raw string) {
	ctx := context.Background()
	ref, ok := c.parseRef(socket, raw)
	if !ok {
		return
	}
	if err := c.store.Delete(ctx, ref.RequestID); err != nil {
		socket.Emit("sessionError", map[string]string{"message": "unable to leave session"})
	}
}

func (c *socketController) broadcastVerdict(server *socketio.Server, req *models.VerificationRequest) {
	server.BroadcastToNamespace("/", "verdict", req)
}

func (c *socketController) parseRef(socket socketio.Conn, raw string) (requestRef, bool) {
	var ref requestRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil || ref.RequestID == "" {
		socket.Emit("sessionError", map[string]string{"message": "invalid request reference"})
		return ref, false
	}
	return ref, true
}

func (c *socketController) dropSocket(id string) {
	c.mu.Lock()
	cancels := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
