package main

// Queries a running copresence server for its recent verification verdicts.
// Useful when checking a deployment without attaching a client.

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

type verdictRow struct {
	ID              string    `json:"id"`
	Participant     string    `json:"participant"`
	EmittedPattern  string    `json:"emittedPattern"`
	DetectedPattern string    `json:"detectedPattern"`
	MatchCount      int       `json:"matchCount"`
	Passed          bool      `json:"passed"`
	FailureCause    string    `json:"failureCause,omitempty"`
	VerifiedAt      time.Time `json:"verifiedAt"`
}

func main() {
	endpoint := flag.String("url", "http://localhost:5000/verifications", "Verifications endpoint")
	limit := flag.Int("limit", 20, "Maximum rows to print")
	watch := flag.Duration("watch", 0, "Re-poll interval (0 = print once)")
	flag.Parse()

	for {
		if err := printVerdicts(*endpoint, *limit); err != nil {
			log.Printf("fetch failed: %v", err)
		}
		if *watch <= 0 {
			return
		}
		time.Sleep(*watch)
	}
}

func printVerdicts(endpoint string, limit int) error {
	resp, err := http.Get(fmt.Sprintf("%s?limit=%d", endpoint, limit))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var rows []verdictRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Printf("%d verification(s):\n", len(rows))
	for _, row := range rows {
		outcome := "FAIL"
		if row.Passed {
			outcome = "PASS"
		}
		line := fmt.Sprintf("  %s  %-12s %s  emitted=%s detected=%s matched=%d",
			row.VerifiedAt.Format(time.RFC3339), row.Participant, outcome,
			row.EmittedPattern, row.DetectedPattern, row.MatchCount)
		if row.FailureCause != "" {
			line += "  (" + row.FailureCause + ")"
		}
		fmt.Println(line)
	}
	return nil
}
