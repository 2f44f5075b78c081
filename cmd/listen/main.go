package main

// Listening-side participant. Joins the shared Mongo-backed session store,
// requests a verification round, records the emission through the default
// microphone and submits the decoded pattern, then reports the verdict. Run
// this on the device being verified while the server's coordinator emits.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"copresence/audio"
	"copresence/detect"
	"copresence/fsk"
	"copresence/session"
	"copresence/store"
	"copresence/utils"
)

func main() {
	name := flag.String("name", "", "participant name (default hostname)")
	flag.Parse()

	_ = godotenv.Load()
	logger := utils.GetLogger()

	if *name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "listener"
		}
		*name = host
	}

	uri := utils.GetEnv("MONGO_URI", "mongodb://localhost:27017")
	database := utils.GetEnv("MONGO_DATABASE", "copresence")
	collection := utils.GetEnv("MONGO_COLLECTION", "verification_requests")

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.NewMongoStore(connectCtx, uri, database, collection)
	connectCancel()
	if err != nil {
		log.Fatalf("failed to connect to session store: %v", err)
	}
	defer st.Close(context.Background())

	detCfg := detect.DefaultConfig()
	input, err := audio.NewPortAudioInput(detCfg.SampleRate, detCfg.FFTSize)
	if err != nil {
		log.Fatalf("failed to acquire microphone: %v", err)
	}
	detector := detect.NewDetector(input, detCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	participant := session.NewParticipant(*name, st, detector, fsk.ConfigFromEnv(),
		session.DefaultParticipantConfig(), logger)

	id, err := participant.Join(ctx)
	if err != nil {
		log.Fatalf("failed to join session: %v", err)
	}
	fmt.Printf("Joined as %s (request %s), waiting for emission...\n", *name, id)

	if err := participant.RequestVerification(ctx); err != nil {
		log.Fatalf("failed to request verification: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev := <-participant.Events():
			switch ev.Type {
			case session.EventVerdict:
				req := ev.Request
				outcome := "FAIL"
				if req.Passed {
					outcome = "PASS"
				}
				fmt.Printf("verdict: %s  matched %d/%d  status=%s", outcome,
					req.MatchCount, len(req.EmittedPattern), req.Status)
				if req.FailureCause != "" {
					fmt.Printf("  (%s)", req.FailureCause)
				}
				fmt.Println()
				_ = participant.Leave(context.Background())
				if !req.Passed {
					os.Exit(1)
				}
				return
			case session.EventReset:
				fmt.Println("session ended by coordinator")
				return
			case session.EventError:
				log.Printf("session error: %v", ev.Err)
			}
		case <-sigs:
			_ = participant.Leave(context.Background())
			return
		}
	}
}
