// Command verify loads the local scene once, waits for it to render and
// writes verification/verification.png. It prints "Screenshot taken." or
// "Error: <reason>" and exits 0 unless the browser cannot be launched.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dev/bravebird/scene-verifier/pkg/browser"
	"dev/bravebird/scene-verifier/pkg/probe"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	engine := browser.NewRodEngine(browser.RodConfig{})
	runner := probe.NewRunner(engine, probe.DefaultTarget())

	_, err := runner.Run(ctx)
	stop()
	if err != nil {
		log.Fatalf("Failed to launch browser: %v", err)
	}
}
