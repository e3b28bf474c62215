// Package agent is the virtgpu development harness: it brings the driver up
// against the in-process device model, polls display geometry, persists
// snapshots, and reacts to simulated hot-plug events.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/virtkit/virtgpu/gpuwire"
	"github.com/virtkit/virtgpu/internal/configsvc"
	"github.com/virtkit/virtgpu/internal/gpumodel"
	"github.com/virtkit/virtgpu/internal/gpusvc"
	"github.com/virtkit/virtgpu/pkg/bus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const snapshotPrefix = "snapshot:"

type Agent struct {
	config   Config
	settings ProbeSettings

	log       *zap.Logger
	db        *badger.DB
	configSvc *configsvc.Service
	events    *gpusvc.EventBus

	model  *gpumodel.Model
	device *gpusvc.Device
}

func NewAgent(config Config) (*Agent, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	settings, err := loadSettings(config.ProbeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load probe settings: %w", err)
	}

	return &Agent{
		config:    config,
		settings:  settings,
		log:       logger,
		db:        db,
		configSvc: configsvc.New(logger.Named("config")),
		events:    bus.New[gpusvc.EventType, gpusvc.Event](logger.Named("events")),
	}, nil
}

func (a *Agent) Close() error {
	return a.db.Close()
}

// Device brings up the driver against the device model, creating both on
// first use.
func (a *Agent) Device() (*gpusvc.Device, error) {
	if a.device != nil {
		return a.device, nil
	}
	modelOpts := []gpumodel.Option{
		gpumodel.WithDisplays(a.settings.displayOnes()...),
	}
	if a.settings.EDIDFile != "" {
		edid, err := os.ReadFile(a.settings.EDIDFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read EDID file: %w", err)
		}
		modelOpts = append(modelOpts, gpumodel.WithEDID(edid))
	}
	a.model = gpumodel.New(a.log.Named("model"), a.settings.ArenaPages, modelOpts...)

	device, err := gpusvc.New(a.model, a.log.Named("gpu"),
		gpusvc.WithCompletionTimeout(time.Duration(a.settings.CompletionTimeoutMillis)*time.Millisecond),
		gpusvc.WithEventBus(a.events))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gpu device: %w", err)
	}
	a.device = device
	return device, nil
}

// Run starts the harness and blocks until the context is cancelled. The
// probe configuration stays watched: editing the display list hot-plugs
// displays through the model.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	device, err := a.Device()
	if err != nil {
		return err
	}
	if err := a.events.Start(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.probe(groupCtx, device)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) probe(ctx context.Context, device *gpusvc.Device) error {
	select {
	case <-ctx.Done():
		return nil
	case <-a.configSvc.Ready():
	}

	_, err := configsvc.Register(a.configSvc, a.config.ProbeConfig, a.settings,
		func(settings ProbeSettings, err error) {
			if err != nil {
				a.log.Error("failed to reload probe settings", zap.Error(err))
				return
			}
			a.log.Info("probe settings changed, updating displays",
				zap.Int("displays", len(settings.Displays)))
			a.model.UpdateDisplays(settings.displayOnes()...)
		})
	if err != nil {
		return fmt.Errorf("failed to register probe config: %w", err)
	}

	changes := a.events.Subscribe(ctx, gpusvc.EventConfigChange)

	if err := a.snapshot(device); err != nil {
		return err
	}

	ticker := time.NewTicker(a.settings.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			a.log.Info("configuration-change interrupt, re-querying geometry")
			if err := a.snapshot(device); err != nil {
				a.log.Error("failed to snapshot geometry", zap.Error(err))
			}
		case <-ticker.C:
			if err := a.snapshot(device); err != nil {
				a.log.Error("failed to snapshot geometry", zap.Error(err))
			}
			stats := device.Stats()
			a.log.Debug("probe tick",
				zap.Uint64("transactions", stats.Transactions),
				zap.Uint64("protocolErrors", stats.ProtocolErrors),
				zap.Uint64("timeouts", stats.Timeouts))
		}
	}
}

// Snapshot is one persisted view of the display geometry.
type Snapshot struct {
	Time     time.Time            `json:"time"`
	Scanouts []gpuwire.DisplayOne `json:"scanouts"`
}

// snapshot queries the device and persists the enabled scanouts.
func (a *Agent) snapshot(device *gpusvc.Device) error {
	resp, err := device.RequestDisplayInfo()
	if err != nil {
		return fmt.Errorf("display info query failed: %w", err)
	}
	snap := Snapshot{Time: time.Now().UTC()}
	for _, mode := range resp.PModes {
		if mode.Enabled != 0 {
			snap.Scanouts = append(snap.Scanouts, mode)
		}
	}
	value, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	key := []byte(snapshotPrefix + snap.Time.Format(time.RFC3339Nano))
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	a.log.Info("display geometry", zap.Int("scanouts", len(snap.Scanouts)))
	return nil
}

// History returns up to limit persisted snapshots, newest first.
func (a *Agent) History(limit int) ([]Snapshot, error) {
	var snaps []Snapshot
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(snapshotPrefix)
		seek := append([]byte{}, prefix...)
		seek = append(seek, 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(snaps) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var snap Snapshot
				if err := json.Unmarshal(val, &snap); err != nil {
					return err
				}
				snaps = append(snaps, snap)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return snaps, nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
