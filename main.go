package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/airwin/airwin/config"
	"github.com/airwin/airwin/discovery"
	"github.com/airwin/airwin/network"
	"github.com/airwin/airwin/records"
	"github.com/airwin/airwin/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while loading config")
	}
	configureLogging(cfg.LogLevel)

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("database close error")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"device_id":    cfg.DeviceID,
		"device_name":  cfg.DeviceName,
		"config_file":  cfgPath,
		"database":     dbPath,
		"download_dir": cfg.DownloadDir,
	}).Info("starting AirWin")

	publisher, closePublisher := newPublisher(cfg.MDNSBackend)
	defer closePublisher()

	announcer, err := discovery.NewAnnouncer(discovery.AnnouncerConfig{
		InstanceName:   cfg.DeviceName,
		Host:           records.Host{Name: cfg.DeviceName, Model: cfg.Model},
		AirDropPort:    cfg.AirDropPort,
		CompanionPort:  cfg.CompanionPort,
		DeviceInfoPort: cfg.DeviceInfoPort,
		MulticastPort:  cfg.LegacyPort,
		Publisher:      publisher,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while building service records")
	}

	service := network.NewService(network.ServiceOptions{
		LegacyPort:   cfg.LegacyPort,
		HTTPSPort:    cfg.AirDropPort,
		ComputerName: cfg.DeviceName,
		ModelName:    cfg.Model,
		DownloadDir:  cfg.DownloadDir,
		Consent:      consentPolicy(cfg.AutoAcceptEnabled()),
		History:      store,
		Announcer:    announcer,
	})
	defer func() {
		if err := service.Close(); err != nil {
			logrus.WithError(err).Warn("service close error")
		}
	}()
	service.OnStatus(func(s network.Status) {
		logrus.WithField("status", s.String()).Debug("status changed")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.StartServer(ctx); err != nil {
		logrus.WithError(err).Fatal("AirDrop server failed to start")
	}

	fusionCfg := discovery.Config{
		SelfInstance: cfg.DeviceName,
		AWDL: discovery.AWDLConfig{
			Enabled:     cfg.AWDLEnabled(),
			Interface:   cfg.AWDLInterface,
			ServiceName: discovery.ServiceAirDropTCP,
			ServicePort: cfg.AirDropPort,
		},
	}
	if cfg.BLEEnabled() {
		fusionCfg.NewBLEAdapter = func() (discovery.BLEAdapter, error) {
			adapter, err := discovery.NewBlueZAdapter()
			if err != nil {
				return nil, err
			}
			return adapter, nil
		}
	}
	fusion := discovery.New(fusionCfg)
	if err := fusion.Start(ctx); err != nil {
		logrus.WithError(err).Warn("discovery failed to start")
	} else {
		defer fusion.Stop()
		go logDiscoveryEvents(ctx, fusion.Events())
	}

	logrus.Info("running (press Ctrl+C to stop)")
	<-ctx.Done()
	logrus.Info("shutting down")
}

func configureLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("log_level", level).Warn("unknown log level, using info")
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

func newPublisher(backend string) (discovery.Publisher, func()) {
	if backend == config.MDNSBackendAvahi {
		avahi, err := discovery.NewAvahiPublisher()
		if err == nil {
			return avahi, avahi.Close
		}
		logrus.WithError(err).Warn("avahi unavailable, falling back to zeroconf")
	}
	return discovery.NewZeroconfPublisher(), func() {}
}

func consentPolicy(autoAccept bool) network.ConsentFunc {
	return func(req network.AskRequest) (bool, error) {
		logrus.WithFields(logrus.Fields{
			"peer":     req.PeerAddr,
			"sender":   req.SenderName,
			"files":    len(req.Files),
			"accepted": autoAccept,
		}).Info("incoming transfer request")
		return autoAccept, nil
	}
}

func logDiscoveryEvents(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			fields := logrus.Fields{
				"id":        event.Peer.ID,
				"transport": event.Peer.Transport,
			}
			switch event.Type {
			case discovery.EventPeerUpserted:
				fields["name"] = event.Peer.DisplayName
				fields["addr"] = event.Peer.Address.String()
				fields["port"] = event.Peer.Port
				logrus.WithFields(fields).Info("peer available")
			case discovery.EventPeerRemoved:
				logrus.WithFields(fields).Info("peer removed")
			}
		}
	}
}
