package broker

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/log"
	"github.com/gridworks/gridbox/pkg/metrics"
)

// Change type symbols. Apart from the global change notification, the
// change type concatenates an object symbol and an operation symbol
// (ex: "da" for "device added").
const (
	ChgGlobal = "*"

	ChgObjCoordinator = "c"
	ChgObjDevice      = "d"

	ChgOpAdded   = "a"
	ChgOpDeleted = "d"
	ChgOpUpdated = "u"
)

// ChangeVarType is the variable type of the configuration change events
// mirrored on the framework channel.
const ChangeVarType = "cfgchg"

// ChangeHandler receives configuration change notifications.
type ChangeHandler func(chgtype, resid string)

// Broker is the configuration broker: one instance of the configuration
// model loaded at startup, served to the application components.
type Broker struct {
	path string
	md   *devcfg.Metadata
	bus  *events.Bus

	mu  sync.RWMutex
	cfg *devcfg.Config

	subMu       sync.RWMutex
	subscribers map[string]ChangeHandler

	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	// selfWrites counts pending writes of our own, so that the file
	// watcher does not turn them into spurious global reloads.
	selfWrites atomic.Int32

	logger zerolog.Logger
}

// New creates a broker serving the configuration stored at path,
// loading it immediately. The bus is optional; when present, change
// notifications are mirrored on its framework channel.
func New(path string, md *devcfg.Metadata, bus *events.Bus) (*Broker, error) {
	cfg, err := devcfg.Load(path, md)
	if err != nil {
		return nil, err
	}

	return &Broker{
		path:        path,
		md:          md,
		bus:         bus,
		cfg:         cfg,
		subscribers: make(map[string]ChangeHandler),
		logger:      log.WithComponent("cfgbroker"),
	}, nil
}

// IsReady tells if the proxied configuration is ready to be used.
func (b *Broker) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg != nil
}

// GetCoordinator returns the own properties of a coordinator (devices
// excluded), as their JSON representation.
func (b *Broker) GetCoordinator(cid string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	coord, err := b.cfg.Coordinator(cid)
	if err != nil {
		return nil, err
	}
	return json.Marshal(coord.OwnProps())
}

// GetCoordinators returns the ids of the configured coordinators.
func (b *Broker) GetCoordinators() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Coordinators()
}

// GetCoordinatorDevices returns the local ids of the devices attached
// to a coordinator.
func (b *Broker) GetCoordinatorDevices(cid string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	coord, err := b.cfg.Coordinator(cid)
	if err != nil {
		return nil, err
	}
	return coord.DeviceIDs(), nil
}

// GetDevice returns the JSON representation of a device, endpoints
// included.
func (b *Broker) GetDevice(cid, did string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dev, err := b.cfg.Device(cid, did)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dev.AsMap())
}

// GetDeviceByUID is GetDevice keyed by the device unique id
// ("<cid>/<did>").
func (b *Broker) GetDeviceByUID(uid string) ([]byte, error) {
	cid, did, err := devcfg.SplitUID(uid)
	if err != nil {
		return nil, err
	}
	return b.GetDevice(cid, did)
}

// GetFullConfiguration returns the whole configuration serialization.
func (b *Broker) GetFullConfiguration() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.AsJSON()
}

// GetCoordinatorTypes returns the coordinator types known to the
// metadata registry.
func (b *Broker) GetCoordinatorTypes() ([]string, error) {
	return b.md.CoordinatorTypes()
}

// GetCoordinatorMetadata returns the metadata of a coordinator type.
func (b *Broker) GetCoordinatorMetadata(ctype string) ([]byte, error) {
	meta, err := b.md.Coordinator(ctype)
	if err != nil {
		return nil, err
	}
	return json.Marshal(meta)
}

// GetDeviceTypes returns the fully qualified device types supported by
// a coordinator type.
func (b *Broker) GetDeviceTypes(ctype string) ([]string, error) {
	return b.md.DeviceTypes(ctype)
}

// GetDeviceMetadata returns the metadata of a fully qualified device
// type.
func (b *Broker) GetDeviceMetadata(fqdt string) ([]byte, error) {
	meta, err := b.md.DeviceRaw(fqdt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(meta)
}

// Subscribe registers a change handler and returns its subscription id.
func (b *Broker) Subscribe(h ChangeHandler) string {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := uuid.New().String()
	b.subscribers[id] = h
	return id
}

// Unsubscribe removes a change subscription.
func (b *Broker) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// NotifyConfigurationChange emits a changed signal. The empty resid is
// used for changes at the global level.
func (b *Broker) NotifyConfigurationChange(chgtype, resid string) {
	if chgtype == "" {
		chgtype = ChgGlobal
	}
	b.logger.Info().Str("chgtype", chgtype).Str("resid", resid).Msg("configuration changed")
	metrics.ConfigChangesTotal.WithLabelValues(chgtype).Inc()

	b.subMu.RLock()
	handlers := make([]ChangeHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		h(chgtype, resid)
	}

	if b.bus != nil {
		if framework, err := b.bus.Channel(events.FrameworkChannel); err == nil {
			data, _ := json.Marshal(map[string]string{"resid": resid})
			framework.Emit(ChangeVarType, chgtype, string(data))
		}
	}
}

// store persists the configuration, flagging the write as ours for the
// file watcher. Must be called with the configuration lock held.
func (b *Broker) store() error {
	b.selfWrites.Add(1)
	return b.cfg.Store(b.path)
}

// AddCoordinator adds a coordinator to the configuration, persists it
// and notifies the change.
func (b *Broker) AddCoordinator(coord *devcfg.Coordinator) error {
	b.mu.Lock()
	err := b.cfg.AddCoordinator(coord)
	if err == nil {
		err = b.store()
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	b.NotifyConfigurationChange(ChgObjCoordinator+ChgOpAdded, coord.UID())
	return nil
}

// DelCoordinator deletes a coordinator and its devices, persists the
// configuration and notifies the change.
func (b *Broker) DelCoordinator(cid string) error {
	b.mu.Lock()
	err := b.cfg.DelCoordinator(cid)
	if err == nil {
		err = b.store()
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	b.NotifyConfigurationChange(ChgObjCoordinator+ChgOpDeleted, cid)
	return nil
}

// AddDevice adds a device to a coordinator, persists the configuration
// and notifies the change.
func (b *Broker) AddDevice(cid string, dev *devcfg.Device) error {
	b.mu.Lock()
	err := b.cfg.AddDevice(cid, dev)
	if err == nil {
		err = b.store()
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	b.NotifyConfigurationChange(ChgObjDevice+ChgOpAdded, devcfg.MakeUID(cid, dev.UID()))
	return nil
}

// DelDevice deletes a device given its unique id, persists the
// configuration and notifies the change.
func (b *Broker) DelDevice(uid string) error {
	b.mu.Lock()
	err := b.cfg.DelDeviceByUID(uid)
	if err == nil {
		err = b.store()
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	b.NotifyConfigurationChange(ChgObjDevice+ChgOpDeleted, uid)
	return nil
}

// Reload replaces the in-memory configuration with the current file
// content and notifies a global change. A file failing to load keeps
// the previous configuration in place.
func (b *Broker) Reload() error {
	cfg, err := devcfg.Load(b.path, b.md)
	if err != nil {
		b.logger.Error().Err(err).Msg("reload failed, keeping previous configuration")
		return err
	}

	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()

	b.NotifyConfigurationChange(ChgGlobal, "")
	return nil
}

// WatchConfig starts watching the configuration file, reloading it when
// it is rewritten by an external tool.
func (b *Broker) WatchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// watch the parent directory: editors and atomic writers replace
	// the file by rename, which a file-level watch would lose
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		watcher.Close()
		return err
	}

	b.watcher = watcher
	b.watchDone = make(chan struct{})
	go b.watchLoop()
	b.logger.Info().Str("path", b.path).Msg("watching configuration file")
	return nil
}

func (b *Broker) watchLoop() {
	defer close(b.watchDone)

	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Name != b.path {
				continue
			}
			if b.selfWrites.Load() > 0 {
				b.selfWrites.Add(-1)
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				b.logger.Info().Str("event", event.String()).Msg("configuration file changed on disk")
				_ = b.Reload()
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Error().Err(err).Msg("configuration watcher error")
		}
	}
}

// Close stops the configuration watcher, if any.
func (b *Broker) Close() {
	if b.watcher != nil {
		b.watcher.Close()
		<-b.watchDone
		b.watcher = nil
	}
}
