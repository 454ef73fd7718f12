// Command raincore downloads a single torrent to a destination directory,
// printing a 1 Hz progress line, and exits on completion or interrupt.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ab0626/raincore/internal/config"
	"github.com/ab0626/raincore/internal/engine"
	"github.com/ab0626/raincore/internal/logger"
	"github.com/ab0626/raincore/internal/metainfo"
	"github.com/ab0626/raincore/internal/resumer"
	"github.com/ab0626/raincore/internal/storage"
	"github.com/sirupsen/logrus"
)

const clientPrefix = "-RC0001-"

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional)")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <metainfo-file> <download-dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	metainfoPath, downloadDir := flag.Arg(0), flag.Arg(1)

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logger.New("cli")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorln("loading config:", err)
		os.Exit(1)
	}

	if err := run(cfg, metainfoPath, downloadDir, log); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, metainfoPath, downloadDir string, log logger.Logger) error {
	f, err := os.Open(metainfoPath)
	if err != nil {
		return err
	}
	defer f.Close()

	mi, err := metainfo.New(f)
	if err != nil {
		return fmt.Errorf("parsing metainfo: %w", err)
	}

	st, err := storage.New(downloadDir, mi.Info)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer st.Close()

	var res *resumer.Resumer
	if cfg.Database != "" {
		res, err = resumer.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening resume database: %w", err)
		}
		defer res.Close()
		if spec, err := res.Read(mi.Info.Hash); err == nil && spec != nil {
			restoreHaveBitmap(st, spec.Bitfield, mi.Info.NumPieces)
		}
	}

	peerID, err := newPeerID()
	if err != nil {
		return err
	}

	e := engine.New(mi.Info, mi.Info.Hash, mi.GetTrackers(), st, engine.Config{
		PeerID:                    peerID,
		ListenPort:                int(cfg.Port),
		MaxPeers:                  cfg.MaxPeers,
		PipelineBudget:            cfg.PipelineBudget,
		UnchokedPeers:             cfg.UnchokedPeers,
		OptimisticUnchokedPeers:   cfg.OptimisticUnchokedPeers,
		NumWant:                   cfg.NumWant,
		UnchokeInterval:           cfg.UnchokeInterval,
		OptimisticUnchokeInterval: cfg.OptimisticUnchokeInterval,
		Resumer:                   res,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infoln("interrupted, shutting down")
		cancel()
	}()

	go func() {
		if err := e.Listen(ctx); err != nil {
			log.Warningln("inbound listener disabled:", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	printProgress(ctx, e, log)
	cancel()
	<-done
	return nil
}

// printProgress prints one progress line per second until the torrent
// completes or ctx is cancelled.
func printProgress(ctx context.Context, e *engine.Engine, log logger.Logger) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := e.Stats()
			fmt.Printf("\r%-12s %6.2f%%  down %8.1f KiB/s  up %8.1f KiB/s  peers %3d  eta %s",
				statusLabel(s.Status), s.Progress*100, s.DownloadSpeed/1024, s.UploadSpeed/1024, s.ConnectedPeers, s.ETA.Round(time.Second))
			if s.Status == engine.Seeding {
				fmt.Println()
				log.Infoln("download complete")
				return
			}
		}
	}
}

func statusLabel(s engine.Status) string {
	switch s {
	case engine.Starting:
		return "starting"
	case engine.Downloading:
		return "downloading"
	case engine.Seeding:
		return "seeding"
	case engine.Stopped:
		return "stopped"
	default:
		return "error"
	}
}

// newPeerID mints a 20-byte peer-id with the conventional -XXNNNN- client
// prefix followed by random bytes, per BEP 20.
func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], clientPrefix)
	if _, err := rand.Read(id[len(clientPrefix):]); err != nil {
		return id, fmt.Errorf("generating peer id: %w", err)
	}
	return id, nil
}

// restoreHaveBitmap flips st's bitmap to match a persisted resume bitfield,
// trusting on-disk piece hashes to have already matched at the time the
// resume state was last written.
func restoreHaveBitmap(st *storage.Storage, bits []byte, numPieces uint32) {
	for i := uint32(0); i < numPieces; i++ {
		byteIdx, bitIdx := i/8, 7-(i%8)
		if int(byteIdx) >= len(bits) {
			break
		}
		if bits[byteIdx]&(1<<bitIdx) != 0 {
			st.SetHave(i)
		}
	}
}
