package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/goyaoxiang/lib-return-backend/internal/config"
)

// MQTTGateway bridges return boxes and the reconciliation engine over
// an MQTT broker. Inbound messages fan out to the Handler; outbound
// instructions publish on per-box topics.
type MQTTGateway struct {
	client  mqtt.Client
	handler Handler
	logger  *zap.Logger
	now     func() time.Time

	// Firmware ignores repeated unlocks, so duplicates within the
	// cooldown are dropped here rather than sent.
	cooldown  time.Duration
	mu        sync.Mutex
	unlockers map[int64]*rate.Limiter
}

// NewMQTTGateway builds the gateway from broker configuration. Connect
// must be called before any publish.
func NewMQTTGateway(cfg config.MQTTConfig, cooldown time.Duration, handler Handler, logger *zap.Logger) (*MQTTGateway, error) {
	g := &MQTTGateway{
		handler:   handler,
		logger:    logger,
		now:       time.Now,
		cooldown:  cooldown,
		unlockers: make(map[int64]*rate.Limiter),
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := tlsConfig(cfg.CACert)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		g.subscribe(c)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	g.client = mqtt.NewClient(opts)
	return g, nil
}

func tlsConfig(caCert string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		pem, err := os.ReadFile(caCert)
		if err != nil {
			return nil, fmt.Errorf("read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", caCert)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Connect dials the broker. Subscriptions are (re)established from the
// OnConnect hook so they survive reconnects.
func (g *MQTTGateway) Connect() error {
	token := g.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Disconnect flushes and closes the broker connection.
func (g *MQTTGateway) Disconnect() {
	g.client.Disconnect(250)
}

func (g *MQTTGateway) subscribe(c mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		"+/Return":    g.onReturn,
		"+/Session":   g.onSession,
		"+/Inventory": g.onInventory,
	}
	for topic, h := range subs {
		if token := c.Subscribe(topic, 1, h); token.Wait() && token.Error() != nil {
			g.logger.Error("mqtt subscribe failed",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
		}
	}
}

func (g *MQTTGateway) onReturn(_ mqtt.Client, msg mqtt.Message) {
	deviceID, _, err := ParseTopic(msg.Topic())
	if err != nil {
		g.logger.Warn("ignoring return message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	tags, err := DecodeTagList(msg.Payload(), "Return")
	if err != nil {
		g.logger.Warn("ignoring return payload", zap.String("device_id", deviceID), zap.Error(err))
		return
	}

	at := g.now()
	for _, tag := range tags {
		g.handler.HandleScan(ScanEvent{DeviceID: deviceID, Tag: tag, At: at})
	}
}

func (g *MQTTGateway) onSession(_ mqtt.Client, msg mqtt.Message) {
	deviceID, _, err := ParseTopic(msg.Topic())
	if err != nil {
		g.logger.Warn("ignoring session message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	action, token, err := DecodeSessionSignal(msg.Payload())
	if err != nil {
		g.logger.Warn("ignoring session payload", zap.String("device_id", deviceID), zap.Error(err))
		return
	}

	g.handler.HandleSessionSignal(SessionSignal{DeviceID: deviceID, Action: action, Token: token, At: g.now()})
}

func (g *MQTTGateway) onInventory(_ mqtt.Client, msg mqtt.Message) {
	deviceID, _, err := ParseTopic(msg.Topic())
	if err != nil {
		g.logger.Warn("ignoring inventory message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	tags, err := DecodeTagList(msg.Payload(), "Inventory")
	if err != nil {
		g.logger.Warn("ignoring inventory payload", zap.String("device_id", deviceID), zap.Error(err))
		return
	}

	g.handler.HandleInventory(InventoryReport{DeviceID: deviceID, Tags: tags})
}

// SendItemResult publishes an accept/reject instruction for one tag.
func (g *MQTTGateway) SendItemResult(ctx context.Context, deviceID string, result ItemResult) error {
	return g.publishJSON(ctx, deviceID+"/Result", result)
}

// SendSessionSummary publishes the once-per-session summary.
func (g *MQTTGateway) SendSessionSummary(ctx context.Context, summary SessionSummary) error {
	return g.publishJSON(ctx, summary.DeviceID+"/Summary", summary)
}

func (g *MQTTGateway) publishJSON(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	token := g.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendUnlock publishes the UNLOCK command for a box, dropping repeats
// inside the cooldown window.
func (g *MQTTGateway) SendUnlock(ctx context.Context, boxID int64) error {
	g.mu.Lock()
	limiter, ok := g.unlockers[boxID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(g.cooldown), 1)
		g.unlockers[boxID] = limiter
	}
	g.mu.Unlock()

	if !limiter.Allow() {
		g.logger.Warn("unlock suppressed by cooldown", zap.Int64("box_id", boxID))
		return nil
	}

	// Topic keeps the firmware's zero-padded form, e.g. ReturnBox01/Command.
	topic := fmt.Sprintf("ReturnBox0%d/Command", boxID)
	token := g.client.Publish(topic, 1, false, "UNLOCK")
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish unlock: %w", err)
		}
		g.logger.Info("unlock sent", zap.Int64("box_id", boxID), zap.String("topic", topic))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
