package main

// Plays one FSK pattern on the default output device. Manual acoustic test:
// run this on the emitting machine while a listening device records.

import (
	"context"
	"flag"
	"fmt"
	"log"

	"copresence/audio"
	"copresence/fsk"
	"copresence/pattern"
	"copresence/utils"
)

func main() {
	encoded := flag.String("pattern", "", "pattern to emit, e.g. HLHHLH (random when empty)")
	length := flag.Int("n", pattern.DefaultLength, "random pattern length")
	warmUp := flag.Bool("warmup", false, "prepend AGC warm-up pulse")
	flag.Parse()

	var p pattern.Pattern
	if *encoded != "" {
		symbols, err := pattern.ParseSymbols(*encoded)
		if err != nil {
			log.Fatalf("invalid pattern %q: %v", *encoded, err)
		}
		p = pattern.Pattern(symbols)
	} else {
		p = pattern.Generate(*length)
	}

	output, err := audio.NewPortAudioOutput(audio.DefaultSampleRate)
	if err != nil {
		log.Fatalf("failed to acquire output device: %v", err)
	}
	defer output.Close()

	emitter := fsk.NewEmitter(output, utils.GetLogger(), fsk.WithWarmUp(*warmUp))

	fmt.Printf("Emitting pattern %s\n", p)
	freqs, err := emitter.Emit(context.Background(), p, fsk.ConfigFromEnv())
	if err != nil {
		log.Fatalf("emission failed: %v", err)
	}

	for i, freq := range freqs {
		fmt.Printf("  pulse %d: %s @ %.0f Hz\n", i, p[i], freq)
	}
}
