// Command ipc-bench stands up one server and N clients against /dev/shm
// and runs the happy-path fan-out scenario (spec.md §8 E1), reporting
// throughput. Structure follows the teacher's main.go composition root:
// signal.NotifyContext, env-var overrides, a sync.WaitGroup fan-out.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alephtx/ipc-core/internal/config"
	"github.com/alephtx/ipc-core/internal/ident"
	"github.com/alephtx/ipc-core/pkg/ipccore"
)

func main() {
	log.Println("🐙 ipc-bench starting")

	cfgPath := "ipc-bench.toml"
	if p := os.Getenv("IPC_CORE_CONFIG"); p != "" {
		cfgPath = p
	}
	numClients := flag.Int("clients", 4, "number of simulated clients to run")
	duration := flag.Duration("duration", 5*time.Second, "how long to run the benchmark for")
	flag.Parse()

	shmPrefix := "ipc-core-bench"
	if p := os.Getenv("IPC_CORE_SHM_PREFIX"); p != "" {
		shmPrefix = p
	}

	var cfg *config.ChannelConfig
	if loaded, err := config.Load(cfgPath); err == nil {
		if ch, ok := loaded.Channels["bench"]; ok {
			cfg = &ch
		}
	} else {
		log.Printf("ipc-bench: no config at %s (%v), using built-in defaults", cfgPath, err)
	}
	layoutCfg := defaultLayout()
	if cfg != nil {
		layoutCfg = cfg.LayoutConfig()
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(signalCtx, *duration)
	defer cancel()

	sockPath := filepath.Join(os.TempDir(), "ipc-bench.sock")
	os.Remove(sockPath)

	provided := ident.ProvidedServiceInstanceID{ServiceID: 1, InstanceID: 1, Major: 1, Minor: 0}
	server, err := ipccore.NewServer(ipccore.ServerConfig{
		Address:          sockPath,
		ShmPrefix:        shmPrefix,
		Layout:           layoutCfg,
		Integrity:        ident.IntegrityQM,
		ProvidedInstance: provided,
	})
	if err != nil {
		log.Fatalf("ipc-bench: new server: %v", err)
	}
	defer server.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("ipc-bench: server: %v", err)
		}
	}()

	var published, received atomic.Int64
	for i := 0; i < *numClients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			runClient(ctx, i, sockPath, shmPrefix, layoutCfg, &received)
		}()
	}

	publishLoop(ctx, server, layoutCfg, &published)

	wg.Wait()
	log.Printf("🐙 ipc-bench done: published=%d received=%d", published.Load(), received.Load())
}

func defaultLayout() config.ChannelConfig {
	return config.ChannelConfig{
		NumSlots: 64, SlotContentSize: 64, SlotContentAlignment: 8, MaxNumberReceivers: 16,
	}
}

// publishLoop round-robins slot indices across every connected client
// until ctx is cancelled.
func publishLoop(ctx context.Context, server *ipccore.Server, cfg config.ChannelConfig, published *atomic.Int64) {
	var nextSlot uint32
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slot := server.Slots()[nextSlot%cfg.NumSlots]
			slot.SetVisibilityFlag()
			for clientIndex := uint32(0); clientIndex < cfg.MaxNumberReceivers; clientIndex++ {
				if ok, _ := server.Publish(clientIndex, nextSlot%cfg.NumSlots); ok {
					published.Add(1)
				}
			}
			nextSlot++
		}
	}
}

func runClient(ctx context.Context, index int, sockPath, shmPrefix string, layoutCfg config.ChannelConfig, received *atomic.Int64) {
	client, err := ipccore.NewClient(ipccore.ClientConfig{
		Address:   sockPath,
		ShmPrefix: shmPrefix + "-client-" + strconv.Itoa(index),
		Layout:    layoutCfg,
		Required:  ident.RequiredServiceInstanceID{ServiceID: 1, InstanceID: ident.InstanceAll, Major: 1, Minor: ident.MinorAny},
		Integrity: ident.IntegrityQM,
	})
	if err != nil {
		log.Printf("ipc-bench: client %d: %v", index, err)
		return
	}
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, readingEnd := client.Queues()
			if readingEnd == nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
					continue
				}
			}
			if _, ok, err := readingEnd.Pop(); err == nil && ok {
				received.Add(1)
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	if err := client.Run(ctx, nil); err != nil && ctx.Err() == nil {
		log.Printf("ipc-bench: client %d: %v", index, err)
	}
	<-done
}
