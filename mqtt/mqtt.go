// Package mqtt connects a reader desk to the broker: it publishes lending
// status, keeps a retained presence flag with a last will, and routes
// the control topics to a Control.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher is the part of Client used by status publishers.
type Publisher interface {
	Publish(topic string, payload []byte)
}

type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

func (cfg Config) secure() bool { return cfg.CACert != "" || cfg.ClientCert != "" }

// broker returns the broker URL, defaulting the port by transport.
func (cfg Config) broker() string {
	scheme, port := "tcp", 1883
	if cfg.secure() {
		scheme, port = "ssl", 8883
	}
	if cfg.Port != 0 {
		port = cfg.Port
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port)
}

// Retained on PresenceTopic; offline is also the last will.
var (
	online  = []byte(`{"online":true}`)
	offline = []byte(`{"online":false}`)
)

// Client is the desk's broker connection. Without a host it is disabled:
// publishes are dropped and Connect does nothing.
type Client struct {
	conn     paho.Client // nil when disabled
	clientID string
	log      *slog.Logger

	mu      sync.Mutex
	control *Control
}

func New(cfg Config, clientID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{clientID: clientID, log: logger}

	if cfg.Host == "" {
		logger.Info("mqtt disabled (no host configured)")
		return c, nil
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.broker()).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60*time.Second).
		SetWill(PresenceTopic(clientID), string(offline), 1, true).
		SetConnectionLostHandler(c.connectionLost).
		SetOnConnectHandler(c.connected)

	if cfg.secure() {
		tlsConfig, err := loadTLS(cfg)
		if err != nil {
			return nil, fmt.Errorf("mqtt tls: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	} else {
		logger.Info("mqtt using non-TLS connection", "broker", cfg.broker())
	}

	paho.ERROR = pahoLog{logger, slog.LevelError}
	paho.CRITICAL = pahoLog{logger, slog.LevelError}
	paho.WARN = pahoLog{logger, slog.LevelWarn}

	c.conn = paho.NewClient(opts)
	return c, nil
}

func loadTLS(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCert != "" {
		if cfg.ClientKey == "" {
			return nil, fmt.Errorf("client_cert %s has no client_key", cfg.ClientCert)
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Route sends messages on the control topics to ctl. Call it before
// Connect; the topics are subscribed on every (re)connect.
func (c *Client) Route(ctl *Control) {
	c.mu.Lock()
	c.control = ctl
	c.mu.Unlock()
}

func (c *Client) router() *Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

// Connect blocks until the first connection to the broker succeeds.
func (c *Client) Connect() error {
	if c.conn == nil {
		return nil
	}
	if token := c.conn.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect: %w", token.Error())
	}
	return nil
}

// Disconnect marks the desk offline and closes the connection.
func (c *Client) Disconnect() {
	if c.conn == nil || !c.conn.IsConnected() {
		return
	}
	c.conn.Publish(PresenceTopic(c.clientID), 1, true, offline).WaitTimeout(time.Second)
	c.conn.Disconnect(250)
}

func (c *Client) Publish(topic string, payload []byte) {
	if c.conn == nil {
		return
	}
	c.conn.Publish(topic, 0, false, payload)
}

func (c *Client) connected(conn paho.Client) {
	c.log.Info("mqtt connected")
	conn.Publish(PresenceTopic(c.clientID), 1, true, online)

	ctl := c.router()
	if ctl == nil {
		return
	}
	filters := make(map[string]byte)
	for _, topic := range ctl.Topics() {
		filters[topic] = 1
	}
	// Runs on paho's goroutine: waiting here would stall the client.
	token := conn.SubscribeMultiple(filters, func(_ paho.Client, msg paho.Message) {
		c.dispatch(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.Wait() && token.Error() != nil {
			c.log.Warn("mqtt subscribe", "topics", ctl.Topics(), "err", token.Error())
		}
	}()
}

func (c *Client) connectionLost(_ paho.Client, err error) {
	c.log.Warn("mqtt connection lost", "err", err)
}

func (c *Client) dispatch(topic string, payload []byte) {
	ctl := c.router()
	if ctl == nil {
		c.log.Debug("mqtt message with no route", "topic", topic)
		return
	}
	if err := ctl.Handle(topic, payload); err != nil {
		c.log.Warn("mqtt control message", "topic", topic, "err", err)
	}
}

// pahoLog sends the paho client's own diagnostics to slog.
type pahoLog struct {
	log   *slog.Logger
	level slog.Level
}

func (l pahoLog) Println(v ...any) {
	l.log.Log(context.Background(), l.level, strings.TrimSpace(fmt.Sprintln(v...)), "component", "paho")
}

func (l pahoLog) Printf(format string, v ...any) {
	l.log.Log(context.Background(), l.level, strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "paho")
}
