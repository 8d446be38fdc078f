package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"rvemu/pkg/machine"
	"rvemu/pkg/remote"
	"rvemu/pkg/session"
	"rvemu/pkg/snapshotstore"
)

func main() {
	configPath := flag.String("config-path", "", "Path to a JSON configuration file")
	imagePath := flag.String("image", "", "Raw RV32 program image; the built-in demo runs when empty")
	base := flag.Uint("base", 0x10000, "Load address of the image")
	entry := flag.Uint("entry", 0, "Entry point (default: the load address)")
	maxInstructions := flag.Uint64("max-instructions", 0, "Override the instruction budget")
	instances := flag.Int("instances", 1, "Number of independent machines to run in parallel")
	dataPath := flag.String("data-path", "./data", "Path to the snapshot store")
	saveName := flag.String("save", "", "Store the first instance's final state under this name")
	loadName := flag.String("load", "", "Start every instance from this stored snapshot")
	listSnapshots := flag.Bool("list", false, "List stored snapshots and exit")
	serveAddr := flag.String("serve", "", "Serve runs over QUIC on this address")
	remoteAddr := flag.String("remote", "", "Submit the run to a server at this address")
	traceFile := flag.String("trace-file", "", "Trace every executed instruction to this file")
	debugThreads := flag.Bool("debug-threads", false, "Log every thread syscall")

	flag.Parse()

	cfg := session.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = session.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *maxInstructions != 0 {
		cfg.MaxInstructions = *maxInstructions
	}
	if *traceFile != "" {
		if err := machine.InitFileLogger(*traceFile); err != nil {
			log.Fatalf("Failed to open trace file: %v", err)
		}
	}
	if *debugThreads {
		threadsDebug()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serveAddr != "" {
		srv, err := remote.NewServer(remote.ServerOptions{
			ListenAddr:      *serveAddr,
			MaxInstructions: cfg.MaxInstructions,
		})
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
		log.Printf("Server key: %x", []byte(srv.PublicKey()))
		if err := srv.Serve(ctx); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	var store *snapshotstore.Store
	if *saveName != "" || *loadName != "" || *listSnapshots {
		var err error
		store, err = snapshotstore.Open(*dataPath, snapshotstore.Options{})
		if err != nil {
			log.Fatalf("Failed to open snapshot store: %v", err)
		}
		defer store.Close()
	}
	if *listSnapshots {
		entries, err := store.List()
		if err != nil {
			log.Fatalf("Failed to list snapshots: %v", err)
		}
		for _, e := range entries {
			fmt.Printf("%s\t%x\t%d bytes\t%d pages\n", e.Name, e.Hash[:8], e.Size, e.Layout.PageCount)
		}
		return
	}

	image := demoImage()
	if *imagePath != "" {
		var err error
		if image, err = os.ReadFile(*imagePath); err != nil {
			log.Fatalf("Failed to read image: %v", err)
		}
	}
	start := uint32(*base)
	if *entry != 0 {
		start = uint32(*entry)
	}

	if *remoteAddr != "" {
		client, err := remote.Dial(ctx, *remoteAddr)
		if err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
		defer client.Close()
		resp, err := client.Run(ctx, remote.RunRequest{Config: cfg, Image: image, Base: uint32(*base), Entry: start})
		if err != nil {
			log.Fatalf("Remote run failed: %v", err)
		}
		os.Stdout.Write(resp.Report.Output)
		printReport(0, &resp.Report)
		if resp.Error != "" {
			log.Fatalf("Remote run ended with error: %s", resp.Error)
		}
		return
	}

	var snapshot []byte
	var layout machine.SerializedLayout
	if *loadName != "" {
		var err error
		if snapshot, layout, err = store.Get(*loadName); err != nil {
			log.Fatalf("Failed to load snapshot: %v", err)
		}
		log.Printf("Loaded snapshot %q (%d pages)", *loadName, layout.PageCount)
	}

	if *instances < 1 {
		log.Fatalf("Error: --instances must be at least 1")
	}
	reports := make([]*session.Report, *instances)
	g, gctx := errgroup.WithContext(ctx)
	for i := range reports {
		g.Go(func() error {
			sess, err := session.New(cfg)
			if err != nil {
				return err
			}
			defer sess.Close()
			if snapshot != nil {
				err = sess.Restore(snapshot, layout)
			} else {
				err = sess.Load(image, uint32(*base), start)
			}
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			report, err := sess.Run(gctx)
			reports[i] = report
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			if i == 0 && *saveName != "" {
				data, layout, err := sess.Snapshot()
				if err != nil {
					return fmt.Errorf("failed to snapshot: %w", err)
				}
				hash, err := store.Put(*saveName, data, layout)
				if err != nil {
					return fmt.Errorf("failed to store snapshot: %w", err)
				}
				log.Printf("Saved snapshot %q (%x)", *saveName, hash[:8])
			}
			return nil
		})
	}
	runErr := g.Wait()

	for i, report := range reports {
		if report == nil {
			continue
		}
		if i == 0 {
			os.Stdout.Write(report.Output)
		}
		printReport(i, report)
	}
	if runErr != nil {
		log.Fatalf("Run failed: %v", runErr)
	}
	if reports[0] != nil {
		os.Exit(int(reports[0].ExitCode))
	}
}

func printReport(i int, r *session.Report) {
	log.Printf("[%d] exit=%d stopped=%v instructions=%d threads=%d switches=%d evictions=%d elapsed=%s image=%x",
		i, r.ExitCode, r.Stopped, r.Instructions, r.Threads, r.Switches, r.Evictions,
		r.Elapsed.Round(time.Microsecond), r.ImageHash[:8])
	if r.Exception != "" {
		log.Printf("[%d] exception: %s (data 0x%x)", i, r.Exception, r.ExceptionData)
	}
}
