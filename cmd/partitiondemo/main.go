// Command partitiondemo is a runnable smoke test exercising every package
// of this module end to end, grounded on kernel/kmain.go's role as the
// single entrypoint wiring the rest of the kernel together — the
// freestanding kernel has no userspace logging facility to reach for, so
// this demo reaches for log/slog instead, the ordinary Go choice for an
// outer-surface CLI that never runs on an allocator's own crash path.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"
	"unsafe"

	"github.com/achilleasa/partitionalloc/gigacage"
	"github.com/achilleasa/partitionalloc/internal/sizing"
	"github.com/achilleasa/partitionalloc/lwquarantine"
	"github.com/achilleasa/partitionalloc/pcscan"
	"github.com/achilleasa/partitionalloc/reclaim"
	"github.com/achilleasa/partitionalloc/root"
	"github.com/achilleasa/partitionalloc/telemetry"
	"github.com/achilleasa/partitionalloc/threadcache"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var cage gigacage.Cage
	cage.Init(gigacage.DefaultConfig())

	normal := root.New(&cage, root.Options{
		AllowExtras:     true,
		WithThreadCache: true,
		PoolKind:        gigacage.PoolRegular,
	})
	scannable := root.New(&cage, root.Options{
		AllowExtras: true,
		Scannable:   true,
		PoolKind:    gigacage.PoolRegular,
	})

	demoAllocFreeRealloc(log, normal)
	demoThreadCache(log, normal)
	demoReclaimer(log, normal)
	demoPCScan(log, scannable)
	demoLightweightQuarantine(log, normal)

	log.Info("synthetic telemetry fields", "report", telemetry.Report(telemetry.Config{
		BRPMode:        telemetry.BRPEnabled,
		RefCountLayout: telemetry.LayoutPrevSlot,
		Process:        telemetry.AllProcesses,
	}))
}

func demoAllocFreeRealloc(log *slog.Logger, r *root.Root) {
	addr, err := r.Alloc(48)
	if err != nil {
		log.Error("alloc failed", "err", err)
		return
	}
	log.Info("allocated", "addr", addr, "actualSize", r.ActualSize(addr))

	grown, err := r.Realloc(addr, 4096)
	if err != nil {
		log.Error("realloc failed", "err", err)
		return
	}
	log.Info("reallocated", "addr", grown, "actualSize", r.ActualSize(grown))

	r.Free(grown)
	log.Info("freed", "addr", grown, "stats", r.Stats())
}

func demoThreadCache(log *slog.Logger, r *root.Root) {
	reg := threadcache.NewRegistry()
	tc := threadcache.Create(r, reg)
	defer tc.Destroy()

	addrs := make([]uintptr, 0, 8)
	for i := 0; i < 8; i++ {
		addr, err := r.Alloc(32)
		if err != nil {
			log.Error("thread-cache alloc failed", "err", err)
			return
		}
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		r.Free(addr)
	}
	log.Info("thread cache populated", "stats", reg.DumpStats(false))

	reg.PurgeAll(tc)
	log.Info("thread cache purged", "stats", reg.DumpStats(false))
}

func demoReclaimer(log *slog.Logger, r *root.Root) {
	rc := reclaim.New()
	rc.Register(r, true)
	defer rc.ResetForTesting()

	before := r.Stats()
	rc.Reclaim()
	after := r.Stats()
	log.Info("reclaim pass", "before", before, "after", after)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rc.Start(ctx)
	<-ctx.Done()
}

func demoPCScan(log *slog.Logger, r *root.Root) {
	s := pcscan.Enable(r)

	alive, err := r.Alloc(64)
	if err != nil {
		log.Error("pcscan alloc failed", "err", err)
		return
	}
	dangling, err := r.Alloc(64)
	if err != nil {
		log.Error("pcscan alloc failed", "err", err)
		return
	}
	*(*uintptr)(unsafe.Pointer(alive)) = dangling

	r.Free(dangling)
	s.ForceScanForTesting()
	s.JoinScanIfNeeded()
	log.Info("pcscan ran", "state", s.State())

	r.Free(alive)
}

func demoLightweightQuarantine(log *slog.Logger, r *root.Root) {
	q := lwquarantine.NewList(64, 4*uint64(sizing.SystemPageSize), func(e lwquarantine.Entry) {
		r.Free(e.Addr)
	})
	defer q.Purge()

	addr, err := r.Alloc(32)
	if err != nil {
		log.Error("lwquarantine alloc failed", "err", err)
		return
	}
	id := q.Quarantine(lwquarantine.Entry{Addr: addr, Size: 32})

	var stats lwquarantine.Stats
	q.AccumulateStats(&stats)
	log.Info("quarantined", "id", id, "stats", stats)
}
