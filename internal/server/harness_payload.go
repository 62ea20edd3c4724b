package server

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"
)

// sampleMoonChainPayload is the synthetic producer the built-in harness
// publishes when STREAM_PRODUCER_ENABLED is set. It stands in for the
// out-of-scope external astronomy engine: a plausible, self-contained
// payload shape so the ingest/harness/broker path can run end to end
// without a real upstream.
func sampleMoonChainPayload(_ context.Context, tick uint64) (json.RawMessage, error) {
	degree := rand.Float64() * 360
	speed := 12 + rand.Float64()*2

	payload := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"degree":      round4(degree),
		"speed":       round4(speed),
		"zodiac_sign": zodiacSigns[int(degree/30)%len(zodiacSigns)],
		"seq":         tick,
		"publisher":   "sample_harness",
		"flags":       map[string]bool{"real_time": false, "synthetic": true},
	}
	return json.Marshal(payload)
}

var zodiacSigns = []string{
	"aries", "taurus", "gemini", "cancer", "leo", "virgo",
	"libra", "scorpio", "sagittarius", "capricorn", "aquarius", "pisces",
}

func round4(v float64) float64 {
	return float64(int(v*10000)) / 10000
}
