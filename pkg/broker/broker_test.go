package broker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/events"
)

const brokerConfig = `{
	"coordinators": {
		"c1": {
			"type": "sgbus",
			"port": "/dev/ttyUSB0",
			"devices": {
				"d1": {
					"type": "sgbus:rht",
					"address": "10",
					"location": "living room",
					"enabled": true,
					"outputs": {
						"temperature": {"enabled": true, "varname": "room1"}
					}
				}
			}
		}
	}
}`

func metadataFixture(t *testing.T) *devcfg.Metadata {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "sgbus"), []byte(`{
		"transport": "serial",
		"pdefs": {"root": {"port": {"defvalue": ""}}}
	}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sgbus.d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sgbus.d", "rht"), []byte(`{
		"pdefs": {
			"outputs": {
				"temperature": {"__vartype__": "temperature", "__varunits__": "degC"},
				"humidity": {"__vartype__": "humidity", "__varunits__": "%RH"}
			}
		}
	}`), 0o644))

	return devcfg.NewMetadata(root)
}

func newTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.cfg")
	require.NoError(t, os.WriteFile(path, []byte(brokerConfig), 0o644))

	b, err := New(path, metadataFixture(t), events.NewBus())
	require.NoError(t, err)
	return b, path
}

// changeRecorder collects changed signals.
type changeRecorder struct {
	mu      sync.Mutex
	changes []ChangeNotification
}

func (r *changeRecorder) handler(chgtype, resid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ChangeNotification{ChgType: chgtype, ResID: resid})
}

func (r *changeRecorder) recorded() []ChangeNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeNotification(nil), r.changes...)
}

func TestBrokerLoadsAtStartup(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.True(t, b.IsReady())
	assert.Equal(t, []string{"c1"}, b.GetCoordinators())
}

func TestBrokerRejectsBrokenConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.cfg")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	_, err := New(path, metadataFixture(t), nil)
	var invalid *devcfg.InvalidConfigurationError
	assert.ErrorAs(t, err, &invalid)
}

func TestBrokerQueries(t *testing.T) {
	b, _ := newTestBroker(t)

	raw, err := b.GetCoordinator("c1")
	require.NoError(t, err)
	var props map[string]any
	require.NoError(t, json.Unmarshal(raw, &props))
	assert.Equal(t, "sgbus", props["type"])
	_, hasDevices := props["devices"]
	assert.False(t, hasDevices)

	ids, err := b.GetCoordinatorDevices("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids)

	raw, err = b.GetDeviceByUID("c1/d1")
	require.NoError(t, err)
	var dev map[string]any
	require.NoError(t, json.Unmarshal(raw, &dev))
	assert.Equal(t, "sgbus:rht", dev["type"])
	assert.Contains(t, dev, "outputs")

	_, err = b.GetDevice("c1", "ghost")
	var notFound *devcfg.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	types, err := b.GetCoordinatorTypes()
	require.NoError(t, err)
	assert.Equal(t, []string{"sgbus"}, types)

	dtypes, err := b.GetDeviceTypes("sgbus")
	require.NoError(t, err)
	assert.Equal(t, []string{"sgbus:rht"}, dtypes)

	meta, err := b.GetDeviceMetadata("sgbus:rht")
	require.NoError(t, err)
	var metaTree map[string]any
	require.NoError(t, json.Unmarshal(meta, &metaTree))
	assert.Contains(t, metaTree, "pdefs")
}

func TestBrokerChangeSignalOnDeviceAdd(t *testing.T) {
	b, _ := newTestBroker(t)

	rec := &changeRecorder{}
	id := b.Subscribe(rec.handler)
	defer b.Unsubscribe(id)

	d2, err := devcfg.NewDevice("d2", map[string]any{
		"type": "sgbus:rht", "address": "11", "location": "kitchen", "enabled": false,
	}, b.md)
	require.NoError(t, err)
	require.NoError(t, b.AddDevice("c1", d2))

	// exactly one signal, with the expected change type and resource id
	changes := rec.recorded()
	require.Len(t, changes, 1)
	assert.Equal(t, ChgObjDevice+ChgOpAdded, changes[0].ChgType)
	assert.Equal(t, "c1/d2", changes[0].ResID)

	// the new device is immediately queryable
	raw, err := b.GetDeviceByUID("c1/d2")
	require.NoError(t, err)
	var dev map[string]any
	require.NoError(t, json.Unmarshal(raw, &dev))
	assert.Equal(t, "11", dev["address"])
}

func TestBrokerMutationsPersist(t *testing.T) {
	b, path := newTestBroker(t)

	require.NoError(t, b.AddCoordinator(devcfg.NewCoordinator("c2", "sgbus", nil)))
	require.NoError(t, b.DelDevice("c1/d1"))

	reloaded, err := devcfg.Load(path, b.md)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, reloaded.Coordinators())
	_, err = reloaded.DeviceByUID("c1/d1")
	assert.Error(t, err)
}

func TestBrokerChangeMirroredOnFrameworkChannel(t *testing.T) {
	b, _ := newTestBroker(t)

	framework, err := b.bus.Channel(events.FrameworkChannel)
	require.NoError(t, err)

	var got events.BusEvent
	framework.Subscribe(func(evt events.BusEvent) { got = evt })

	b.NotifyConfigurationChange("du", "c1/d1")

	assert.Equal(t, ChangeVarType, got.VarType)
	assert.Equal(t, "du", got.VarName)
	data, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, "c1/d1", data["resid"])
}

func TestBrokerReload(t *testing.T) {
	b, path := newTestBroker(t)

	rec := &changeRecorder{}
	b.Subscribe(rec.handler)

	// an empty device set is a valid configuration
	require.NoError(t, os.WriteFile(path, []byte(`{"coordinators": {}}`), 0o644))
	require.NoError(t, b.Reload())

	assert.Empty(t, b.GetCoordinators())
	changes := rec.recorded()
	require.Len(t, changes, 1)
	assert.Equal(t, ChgGlobal, changes[0].ChgType)
	assert.Equal(t, "", changes[0].ResID)

	// a broken rewrite keeps the previous configuration
	require.NoError(t, os.WriteFile(path, []byte(`{nope`), 0o644))
	assert.Error(t, b.Reload())
	assert.Empty(t, b.GetCoordinators())
}

func TestBrokerWatchConfig(t *testing.T) {
	b, path := newTestBroker(t)
	defer b.Close()

	rec := &changeRecorder{}
	b.Subscribe(rec.handler)

	require.NoError(t, b.WatchConfig())
	require.NoError(t, os.WriteFile(path, []byte(`{"coordinators": {}}`), 0o644))

	require.Eventually(t, func() bool {
		for _, chg := range rec.recorded() {
			if chg.ChgType == ChgGlobal {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	assert.Empty(t, b.GetCoordinators())
}

func TestServerAndClient(t *testing.T) {
	b, _ := newTestBroker(t)
	srv := httptest.NewServer(NewServer(b, "").Handler())
	defer srv.Close()

	client := NewClient(srv.URL)
	ctx := context.Background()

	ready, err := client.IsReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	ids, err := client.GetCoordinators(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	props, err := client.GetCoordinator(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "sgbus", props["type"])

	devIDs, err := client.GetCoordinatorDevices(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, devIDs)

	dev, err := client.GetDeviceByUID(ctx, "c1/d1")
	require.NoError(t, err)
	assert.Equal(t, "living room", dev["location"])

	cfg, err := client.GetFullConfiguration(ctx)
	require.NoError(t, err)
	assert.Contains(t, cfg, "coordinators")

	types, err := client.GetCoordinatorTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sgbus"}, types)

	meta, err := client.GetCoordinatorMetadata(ctx, "sgbus")
	require.NoError(t, err)
	assert.Equal(t, "serial", meta["transport"])

	dtypes, err := client.GetDeviceTypes(ctx, "sgbus")
	require.NoError(t, err)
	assert.Equal(t, []string{"sgbus:rht"}, dtypes)

	devMeta, err := client.GetDeviceMetadata(ctx, "sgbus:rht")
	require.NoError(t, err)
	assert.Contains(t, devMeta, "pdefs")

	// unknown resources map to errors
	_, err = client.GetCoordinator(ctx, "ghost")
	assert.Error(t, err)
	_, err = client.GetDeviceMetadata(ctx, "sgbus:alien")
	assert.Error(t, err)
}

func TestServerNotifyChange(t *testing.T) {
	b, _ := newTestBroker(t)
	srv := httptest.NewServer(NewServer(b, "").Handler())
	defer srv.Close()

	rec := &changeRecorder{}
	b.Subscribe(rec.handler)

	client := NewClient(srv.URL)
	require.NoError(t, client.NotifyConfigurationChange(context.Background(), "cu", "c1"))

	changes := rec.recorded()
	require.Len(t, changes, 1)
	assert.Equal(t, "cu", changes[0].ChgType)
	assert.Equal(t, "c1", changes[0].ResID)
}

func TestChangeFeed(t *testing.T) {
	b, _ := newTestBroker(t)
	srv := httptest.NewServer(NewServer(b, "").Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &changeRecorder{}
	feedDone := make(chan error, 1)
	go func() {
		feedDone <- NewClient(srv.URL).WatchChanges(ctx, rec.handler)
	}()

	// let the feed subscription settle before notifying
	require.Eventually(t, func() bool {
		b.subMu.RLock()
		defer b.subMu.RUnlock()
		return len(b.subscribers) > 0
	}, 2*time.Second, 10*time.Millisecond)

	b.NotifyConfigurationChange("da", "c1/d9")

	require.Eventually(t, func() bool {
		return len(rec.recorded()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := rec.recorded()[0]
	assert.Equal(t, "da", got.ChgType)
	assert.Equal(t, "c1/d9", got.ResID)

	cancel()
	select {
	case <-feedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("change feed did not terminate")
	}
}
