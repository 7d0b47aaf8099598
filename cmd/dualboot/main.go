package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/dualboot/internal/device"
	"github.com/shaunagostinho/dualboot/internal/link"
	"github.com/shaunagostinho/dualboot/internal/server"
	"github.com/shaunagostinho/dualboot/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	provision := flag.String("provision", "", "Program a plain application image into bank 1 before power-on")
	verbose := flag.Bool("v", false, "Log every command line")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] dualboot starting")

	// Load config
	cfg := server.LoadConfig(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	dcfg, err := cfg.DeviceConfig()
	if err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// The server exists first so the device hooks can point at it.
	srv := server.New(cfg, web.FS)
	dev, err := device.New(dcfg,
		device.WithObserver(srv.OnReport),
		device.WithBootObserver(srv.OnBoot),
	)
	if err != nil {
		log.Fatalf("[main] device: %v", err)
	}
	srv.Attach(dev)

	if *provision != "" {
		img, err := os.ReadFile(*provision)
		if err != nil {
			log.Fatalf("[main] provision: %v", err)
		}
		if err := dev.Provision(img); err != nil {
			log.Fatalf("[main] provision: %v", err)
		}
		log.Printf("[main] provisioned %d bytes from %s", len(img), *provision)
	}

	// A halted core still serves the monitor, so a fault can be inspected.
	if out, err := dev.PowerOn(); err != nil {
		log.Printf("[main] boot halted: %v", err)
	} else {
		log.Printf("[main] boot: %s at 0x%08X", out.Action, out.PC)
	}

	if cfg.Serial.Enabled {
		opts := []link.Option{link.WithLogger(&link.StdLogger{Verbose: *verbose})}
		go serveSerial(ctx, cfg.Serial.PortPath, cfg.Serial.BaudRate, dev, opts)
	}

	// Start server; the serial link may still be connecting
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	if err := dev.Shutdown(); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}
}

// serveSerial answers update commands on the serial port until ctx ends,
// reopening the port whenever the link drops.
func serveSerial(ctx context.Context, path string, baud int, dev link.Commander, opts []link.Option) {
	for {
		port := connectWithRetry(ctx, path, baud, 10)
		if port == nil {
			return
		}
		err := link.Serve(ctx, port, dev, opts...)
		port.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("[link] %s: %v", path, err)
		}
		log.Printf("[link] %s closed, reconnecting", path)
	}
}

// connectWithRetry opens the port with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs the attempt count up to
// maxAttempts then continues at max interval indefinitely. It returns nil
// once ctx is done.
func connectWithRetry(ctx context.Context, path string, baud int, maxAttempts int) io.ReadWriteCloser {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		port, err := link.OpenSerial(path, baud)
		if err == nil {
			log.Printf("[link] %s open at %d baud (attempt %d)", path, baud, attempt+1)
			return port
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[link] connect attempt %d/%d failed: %v (retry in %v)",
				attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[link] connect attempt %d failed: %v (retry in %v)",
				attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
