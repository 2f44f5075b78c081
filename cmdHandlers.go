package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"

	"copresence/audio"
	"copresence/db"
	"copresence/fsk"
	"copresence/models"
	"copresence/session"
	"copresence/store"
	"copresence/utils"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

func newHealthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requests, err := st.List(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "ok",
			"activeRequests":  len(requests),
			"serverTimestamp": time.Now().UTC(),
		})
	}
}

func newVerificationsHandler(ledger *db.SQLiteClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}

		records, err := ledger.RecentVerifications(limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to load verifications")
			return
		}
		if records == nil {
			records = []db.VerificationRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func buildStore() store.Store {
	backend := utils.GetEnv("STORE_BACKEND", "memory")
	if backend != "mongo" {
		return store.NewMemoryStore()
	}

	uri := utils.GetEnv("MONGO_URI", "mongodb://localhost:27017")
	database := utils.GetEnv("MONGO_DATABASE", "copresence")
	collection := utils.GetEnv("MONGO_COLLECTION", "verification_requests")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.NewMongoStore(ctx, uri, database, collection)
	if err != nil {
		log.Fatalf("failed to connect to mongo store: %v", err)
	}
	return st
}

func serve(port string) {
	logger := utils.GetLogger()

	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}

	st := buildStore()

	ledgerPath := utils.GetEnv("LEDGER_DB_PATH", "data/verifications.db")
	ledger, err := db.NewSQLiteClient(ledgerPath)
	if err != nil {
		log.Fatalf("failed to open verification ledger: %v", err)
	}
	defer ledger.Close()

	// The serving host is the emitting device. No speaker means no session;
	// hardware acquisition failure is fatal and not retried.
	output, err := audio.NewPortAudioOutput(audio.DefaultSampleRate)
	if err != nil {
		log.Fatalf("failed to acquire audio output device: %v", err)
	}
	defer output.Close()

	warmUp := utils.GetEnv("EMIT_WARMUP", "false") == "true"
	emitter := fsk.NewEmitter(output, logger, fsk.WithWarmUp(warmUp))

	coordCfg := session.DefaultCoordinatorConfig()
	if raw := utils.GetEnv("PATTERN_LENGTH", ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			coordCfg.PatternLength = n
		}
	}

	coordinator := session.NewCoordinator(st, emitter, coordCfg, logger)

	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	controller := newSocketController(st, coordinator)
	controller.register(server)

	coordinator.SetVerdictHook(func(req *models.VerificationRequest) {
		if err := ledger.SaveVerification(req); err != nil {
			log.Printf("failed to persist verification %s: %v", req.ID, err)
		}
		controller.broadcastVerdict(server, req)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator.Start(ctx)
	defer coordinator.Stop()

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("socket.io listen error: %v", err)
		}
	}()
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)
	mux.HandleFunc("/health", newHealthHandler(st))
	mux.HandleFunc("/verifications", newVerificationsHandler(ledger))

	log.Printf("Starting HTTP server on port %v", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatalf("HTTP server ListenAndServe: %v", err)
	}
}
