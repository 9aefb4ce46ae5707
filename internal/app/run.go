package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/heartline/internal/call"
	"github.com/petervdpas/heartline/internal/config"
	"github.com/petervdpas/heartline/internal/game"
	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/metrics"
	"github.com/petervdpas/heartline/internal/peer"
	"github.com/petervdpas/heartline/internal/proto"
	"github.com/petervdpas/heartline/internal/relay"
	"github.com/petervdpas/heartline/internal/remote"
	"github.com/petervdpas/heartline/internal/signaling"
	"github.com/petervdpas/heartline/internal/storage"
	"github.com/petervdpas/heartline/internal/util"
	"github.com/petervdpas/heartline/internal/viewer"
)

var ErrRelayLost = errors.New("relay connection lost")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// RunPeer runs one orchestrator with its control API until ctx is done or
// the relay connection drops.
func RunPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.LocalIdentityRequired(); err != nil {
		return err
	}

	logs := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader()
	defer pipe.Close()
	go func() { _, _ = io.Copy(logs, pipe) }()

	logBanner("peer", opt.PeerDir, opt.CfgPath)

	var m *metrics.Metrics
	if cfg.Viewer.Metrics {
		m = metrics.New()
	}

	// ── Persistence
	store, closeStore, err := openStore(opt.PeerDir, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	// ── Question bank
	bank := game.DefaultBank()
	if cfg.Game.QuestionsFile != "" {
		bank, err = game.LoadBank(util.ResolvePath(opt.PeerDir, cfg.Game.QuestionsFile))
		if err != nil {
			return fmt.Errorf("question bank: %w", err)
		}
	}
	if bank.Len() < cfg.Game.Questions {
		return fmt.Errorf("question bank has %d questions, game.questions is %d", bank.Len(), cfg.Game.Questions)
	}
	bank.SetMinimum(cfg.Game.Questions)
	if cfg.Game.QuestionsFile != "" && cfg.Game.WatchFile {
		go func() {
			if err := bank.Watch(ctx); err != nil {
				log.Warnf("question bank watch stopped: %v", err)
			}
		}()
	}

	// ── Relay
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Signaling.HandshakeTimeoutSec)*time.Second)
	ch, err := signaling.Dial(dialCtx, cfg.Signaling.RelayURL, signaling.Options{
		HandshakeTimeout: time.Duration(cfg.Signaling.HandshakeTimeoutSec) * time.Second,
		PingInterval:     time.Duration(cfg.Signaling.PingIntervalSec) * time.Second,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer ch.Close()

	// ── Transport, media, controller
	tr := peer.New(peer.Options{
		ICEServers:     cfg.Call.ICEServers,
		ConnectTimeout: cfg.ConnectTimeout(),
		LoggerFactory:  peer.NewLoggerFactory(cfg.Log.PionLevel),
	})
	defer tr.Shutdown()

	ctrl := call.New(ch, tr, media.NewSource(cfg.Media.Capture), store, call.Options{
		Profile:           profileOf(cfg.Profile),
		SettlementGrace:   cfg.SettlementGrace(),
		SettlementTimeout: cfg.SettlementTimeout(),
		Game: game.Options{
			Questions: cfg.Game.Questions,
			Countdown: cfg.Countdown(),
			Bank:      bank,
		},
		Metrics: m,
	})
	defer ctrl.Close()

	// ── Control API
	viewerErr := make(chan error, 1)
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			viewerErr <- viewer.Start(ctx, addr, viewer.Viewer{
				Call:       ctrl,
				Records:    store,
				IsNotFound: isNotFound,
				Metrics:    m,
				Logs:       logs,
			})
		}()
		log.Infof("control API: %s/api/call/status", url)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-ch.Done():
		return ErrRelayLost
	case err := <-viewerErr:
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	}
}

// RunRelay runs the development relay until ctx is done.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner("relay", opt.PeerDir, opt.CfgPath)

	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Relay.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()
	log.Infof("records API: sqlite %s", db.Path())

	m := metrics.New()
	hub := relay.NewHub(relay.Options{
		SearchTimeout: time.Duration(cfg.Relay.SearchTimeoutSec) * time.Second,
		Metrics:       m,
	})
	return relay.Serve(ctx, fmt.Sprintf("%s:%d", cfg.Relay.Bind, cfg.Relay.Port), hub, relay.ServerOptions{
		Metrics: m,
		Store:   db,
		Token:   cfg.Storage.RESTToken,
	})
}

func openStore(peerDir string, c config.Storage) (call.Store, func(), error) {
	switch c.Backend {
	case "rest":
		log.Infof("storage: REST %s", c.RESTURL)
		return remote.NewClient(c.RESTURL, c.RESTToken), func() {}, nil
	default:
		// Only shared between peers when DBPath is one absolute file.
		db, err := storage.Open(util.ResolvePath(peerDir, c.DBPath))
		if err != nil {
			return nil, nil, err
		}
		log.Infof("storage: sqlite %s", db.Path())
		return db, func() { _ = db.Close() }, nil
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, remote.ErrNotFound)
}

func profileOf(p config.Profile) proto.Profile {
	return proto.Profile{
		ProfileID: p.ProfileID,
		UserID:    p.UserID,
		Name:      p.Name,
		Age:       p.Age,
		City:      p.City,
	}
}
