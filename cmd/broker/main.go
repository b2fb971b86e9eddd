package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/config"
	"github.com/jptalukdar/waddlemq/internal/dispatcher"
	"github.com/jptalukdar/waddlemq/internal/ha"
	"github.com/jptalukdar/waddlemq/internal/keyindex"
	"github.com/jptalukdar/waddlemq/internal/logger"
)

func main() {
	configPath := flag.String("config", "broker.jsonc", "path to the broker's JSONC config file")
	quiet := flag.Bool("quiet", false, "disable info logging (log only warnings and errors)")
	flag.Parse()

	logFile, err := os.OpenFile("broker.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logger.Fatal("failed to open log file: %v", err)
	}
	defer logFile.Close()

	logger.Setup(io.MultiWriter(os.Stdout, logFile))
	if *quiet {
		logger.SetLevel(logger.LevelWarn)
	} else {
		logger.SetLevel(logger.LevelInfo)
	}

	logger.Info("----------------------------------------")
	logger.Info("waddlemq broker initializing...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config: %v", err)
	}

	log, err := commitlog.Open(cfg.CommitLog)
	if err != nil {
		logger.Fatal("failed to open commit log: %v", err)
	}
	defer log.Close()

	checkpoint, err := commitlog.OpenCheckpointStore(cfg.Checkpoint)
	if err != nil {
		logger.Fatal("failed to open checkpoint store: %v", err)
	}

	indexSvc := keyindex.NewService(keyindex.Config{
		Dir:            cfg.Index.Dir,
		SlotCount:      cfg.Index.SlotCount,
		MaxEntries:     cfg.Index.MaxEntries,
		MaxQueryCount:  cfg.Index.MaxQueryCount,
		DestroyTimeout: cfg.DestroyTimeout(),
		ArchiveDir:     cfg.Index.ArchiveDir,
	}, checkpoint)
	cleanShutdown := true // TODO: persist a shutdown marker and check it here
	if err := indexSvc.Load(cleanShutdown); err != nil {
		logger.Fatal("failed to load index: %v", err)
	}
	defer indexSvc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var slaveChecker dispatcher.SlaveChecker
	var haServer *ha.Server
	var haClient *ha.Client

	switch cfg.HA.Role {
	case "master":
		haServer = ha.NewServer(ha.ServerConfig{
			Addr:            cfg.HA.ListenAddr,
			MaxPushBytes:    cfg.HA.MaxPushBytes,
			HeartbeatExpiry: cfg.HeartbeatExpiry(),
			FallbehindMax:   cfg.HA.FallbehindMaxBytes,
		}, log, nil)
		if cfg.Gate.Enabled {
			haServer.SetGate(ha.NewGroupTransferGate(cfg.GateWaitEach(), cfg.Gate.MaxWaits, haServer.Push2SlaveMaxOffset))
		}
		slaveChecker = haServer
		go func() {
			if err := haServer.Start(); err != nil {
				logger.Error("ha server stopped: %v", err)
			}
		}()
	case "slave":
		haClient = ha.NewClient(ha.ClientConfig{
			MasterAddr:  cfg.HA.MasterAddr,
			AckInterval: cfg.AckInterval(),
		}, log)
		go func() {
			if err := haClient.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ha client stopped: %v", err)
			}
		}()
	default:
		logger.Fatal("unknown ha.role %q (want master or slave)", cfg.HA.Role)
	}

	disp := dispatcher.New(log, indexSvc, slaveChecker, checkpoint)
	go func() {
		if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher stopped: %v", err)
		}
	}()

	go expireLoop(ctx, indexSvc, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("waddlemq broker %q started as %s. Press Ctrl+C to stop.", cfg.BrokerName, cfg.HA.Role)
	<-sigChan
	logger.Info("shutting down...")
	cancel()
	if haServer != nil {
		haServer.Stop()
	}
	if haClient != nil {
		haClient.Stop()
	}
}

// retentionBytes bounds how much of the commit log's tail stays
// indexed; index files entirely behind that window are destroyed.
const retentionBytes = 64 << 30 // 64 GiB

// expireLoop periodically retires index files whose end_phy_offset has
// fallen more than retentionBytes behind the commit log's current
// write position, so a long-running broker does not accumulate index
// files forever.
func expireLoop(ctx context.Context, indexSvc *keyindex.Service, log *commitlog.Log) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := log.MaxPhysicalOffset() - retentionBytes
			if cutoff <= 0 {
				continue
			}
			if n, err := indexSvc.DeleteExpiredFile(cutoff); err != nil {
				logger.Warn("expire loop: %v", err)
			} else if n > 0 {
				logger.Info("expire loop: removed %d index files", n)
			}
		}
	}
}
