package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	Nodes            []NodeConfig  `yaml:"nodes"`
}

// NodeConfig maps a monitored node to a published source identity.
type NodeConfig struct {
	NodeID      string `yaml:"node_id"`
	TypeName    string `yaml:"type_name"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func (n NodeConfig) key() domain.Key {
	return domain.Key{TypeName: n.TypeName, Name: n.Name}
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "Como Publisher"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	for i := range c.Nodes {
		if c.Nodes[i].TypeName == "" {
			c.Nodes[i].TypeName = "OPC UA"
		}
		if c.Nodes[i].Name == "" {
			c.Nodes[i].Name = c.Nodes[i].NodeID
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	seen := make(map[domain.Key]string, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.NodeID == "" {
			return errors.New("node_id is required")
		}
		if prev, ok := seen[n.key()]; ok {
			return fmt.Errorf("nodes %q and %q publish the same source %s", prev, n.NodeID, n.key())
		}
		seen[n.key()] = n.NodeID
	}
	return nil
}

// Collector publishes the values of monitored OPC UA nodes as sources.
// The first value of a node registers it; Stop deregisters every node that
// was registered.
type Collector struct {
	cfg       Config
	obs       ports.Observability
	client    *opcua.Client
	sub       *opcua.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handleMap map[uint32]NodeConfig
	sink      ports.SourceSink
	live      map[domain.Key]domain.Source
	mu        sync.Mutex
	started   bool
}

func NewCollector(cfg Config, obs ports.Observability) (*Collector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Collector{
		cfg:  cfg,
		obs:  obs,
		live: make(map[domain.Key]domain.Source),
	}, nil
}

var ErrAlreadyStarted = errors.New("opcua: collector already started")

// Start connects, monitors every configured node and publishes their values
// to sink until Stop.
func (c *Collector) Start(sink ports.SourceSink) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := opcua.NewClient(c.cfg.Endpoint, c.clientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect %s: %w", c.cfg.Endpoint, err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(c.cfg.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: c.cfg.PublishInterval}, notifyCh)
	if err != nil {
		c.cleanupOnError(ctx, cancel, nil, client)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	handleMap, err := c.monitorNodes(ctx, sub)
	if err != nil {
		c.cleanupOnError(ctx, cancel, sub, client)
		return err
	}

	c.mu.Lock()
	c.client = client
	c.sub = sub
	c.cancel = cancel
	c.handleMap = handleMap
	c.sink = sink
	c.started = true
	c.mu.Unlock()

	c.obs.LogInfo("opcua_collector_started",
		ports.Field{Key: "endpoint", Value: c.cfg.Endpoint},
		ports.Field{Key: "nodes", Value: len(handleMap)})

	c.wg.Add(1)
	go c.consume(ctx, notifyCh)
	return nil
}

func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	sub := c.sub
	client := c.client
	c.started = false
	c.cancel = nil
	c.sub = nil
	c.client = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	c.wg.Wait()
	return errors.Join(err, c.deregisterAll())
}

// deregisterAll removes every source this collector registered.
func (c *Collector) deregisterAll() error {
	c.mu.Lock()
	sink := c.sink
	live := c.live
	c.live = make(map[domain.Key]domain.Source)
	c.mu.Unlock()
	if sink == nil {
		return nil
	}

	var err error
	for _, node := range c.cfg.Nodes {
		src, ok := live[node.key()]
		if !ok {
			continue
		}
		err = errors.Join(err, sink.DeinitSource(src))
	}
	return err
}

func (c *Collector) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				c.obs.LogError("opcua_notification_error", notif.Error)
				continue
			}
			c.processNotification(notif.Value)
		}
	}
}

func (c *Collector) processNotification(val any) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		c.mu.Lock()
		nodeCfg, ok := c.handleMap[item.ClientHandle]
		sink := c.sink
		c.mu.Unlock()
		if !ok || sink == nil {
			continue
		}
		src, ok := variantToSource(nodeCfg, item.Value.Value)
		if !ok {
			c.obs.LogError("opcua_unsupported_value", fmt.Errorf("unsupported type %T", variantValue(item.Value.Value)),
				ports.Field{Key: "node", Value: nodeCfg.NodeID})
			continue
		}
		if err := c.publish(sink, src); err != nil {
			c.obs.LogError("opcua_publish_failed", err, ports.Field{Key: "node", Value: nodeCfg.NodeID})
		}
	}
}

func (c *Collector) publish(sink ports.SourceSink, src domain.Source) error {
	c.mu.Lock()
	_, known := c.live[src.Key()]
	c.live[src.Key()] = src
	c.mu.Unlock()
	if known {
		return sink.UpdateSource(src)
	}
	return sink.InitSource(src)
}

func (c *Collector) monitorNodes(ctx context.Context, sub *opcua.Subscription) (map[uint32]NodeConfig, error) {
	handles := make(map[uint32]NodeConfig, len(c.cfg.Nodes))
	for i, node := range c.cfg.Nodes {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if c.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(c.cfg.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		switch {
		case err != nil:
			return nil, fmt.Errorf("monitor node %q: %w", node.NodeID, err)
		case len(res.Results) == 0:
			return nil, fmt.Errorf("monitor node %q: empty result", node.NodeID)
		case res.Results[0].StatusCode != ua.StatusOK:
			return nil, fmt.Errorf("monitor node %q: %s", node.NodeID, res.Results[0].StatusCode)
		}
		handles[handle] = node
	}
	return handles, nil
}

func (c *Collector) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(c.cfg.SecurityPolicy)),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if c.cfg.Username != "" {
		return append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	}
	return append(opts, opcua.AuthAnonymous())
}

func (c *Collector) cleanupOnError(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

func variantValue(v *ua.Variant) any {
	if v == nil {
		return nil
	}
	return v.Value()
}

// variantToSource converts a node value to the closest source type.
func variantToSource(node NodeConfig, v *ua.Variant) (domain.Source, bool) {
	var src domain.Source
	switch val := variantValue(v).(type) {
	case int8:
		src = domain.NewInt(node.TypeName, node.Name, int32(val))
	case int16:
		src = domain.NewInt(node.TypeName, node.Name, int32(val))
	case int32:
		src = domain.NewInt(node.TypeName, node.Name, val)
	case uint8:
		src = domain.NewUInt(node.TypeName, node.Name, uint32(val))
	case uint16:
		src = domain.NewUInt(node.TypeName, node.Name, uint32(val))
	case uint32:
		src = domain.NewUInt(node.TypeName, node.Name, val)
	case int64:
		src = domain.NewLongLong(node.TypeName, node.Name, val)
	case uint64:
		src = domain.NewULongLong(node.TypeName, node.Name, val)
	case float32:
		src = domain.NewDouble(node.TypeName, node.Name, float64(val))
	case float64:
		src = domain.NewDouble(node.TypeName, node.Name, val)
	case string:
		src = domain.NewString(node.TypeName, node.Name, val)
	case time.Time:
		src = domain.NewDateTime(node.TypeName, node.Name, val)
	case bool:
		var n int32
		if val {
			n = 1
		}
		src = domain.NewInt(node.TypeName, node.Name, n)
	default:
		return domain.Source{}, false
	}
	return src.WithDescription(node.Description), true
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Collector = (*Collector)(nil)
