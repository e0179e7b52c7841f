package tele

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/evmotion/canble/log2"
	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultKeepalive      = 60 * time.Second
	DefaultConnectRetry   = 30 * time.Second
)

func TopicSnapshot(userKey string) string { return fmt.Sprintf("u/%s/snapshot", userKey) }
func TopicConnect(clientID string) string { return fmt.Sprintf("c/%s", clientID) }

type MqttOptions struct {
	Log            *log2.Log
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	// ConnectRetry is delay between attempts while broker never answered yet
	ConnectRetry time.Duration
	LogDebug     bool
}

// MqttStore publishes snapshots QoS1, one topic per user.
// Broker or its subscriber keeps history.
type MqttStore struct {
	log          *log2.Log
	m            mqtt.Client
	timeout      time.Duration
	topicConnect string
	Now          func() time.Time
}

var _ Storer = &MqttStore{}

// NewMqttStore connects in background, fails only on invalid options.
func NewMqttStore(opt MqttOptions) (*MqttStore, error) {
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "tele broker=%s", opt.BrokerURL)
	}
	if opt.ClientID == "" {
		return nil, errors.NotValidf("tele empty client_id")
	}
	if opt.NetworkTimeout <= 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.NetworkTimeout < time.Second {
		opt.NetworkTimeout = time.Second
	}
	if opt.Keepalive <= 0 {
		opt.Keepalive = DefaultKeepalive
	}
	if opt.ConnectRetry <= 0 {
		opt.ConnectRetry = DefaultConnectRetry
	}
	if opt.Username == "" {
		opt.Username = opt.ClientID
	}

	mqttLog := opt.Log.Clone(log2.LInfo)
	if opt.LogDebug {
		mqttLog.SetLevel(log2.LDebug)
		mqtt.DEBUG = mqttLog
	}
	if mqttLog != nil {
		mqtt.ERROR = mqttLog
		mqtt.CRITICAL = mqttLog
		mqtt.WARN = mqttLog
	}

	self := &MqttStore{
		log:          opt.Log,
		timeout:      opt.NetworkTimeout,
		topicConnect: TopicConnect(opt.ClientID),
		Now:          time.Now,
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetBinaryWill(self.topicConnect, []byte{0x00}, 1, true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetKeepAlive(opt.Keepalive).
		SetPingTimeout(opt.NetworkTimeout).
		SetConnectTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout).
		SetAutoReconnect(true).
		SetConnectRetryInterval(opt.ConnectRetry).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost)
	self.m = mqtt.NewClient(mopt)
	// with connect retry token completes only on success
	token := self.m.Connect()
	if !token.WaitTimeout(self.timeout) {
		self.log.Errorf("tele mqtt broker=%s not connected yet, retry every %v", opt.BrokerURL, opt.ConnectRetry)
	} else if err := token.Error(); err != nil {
		self.log.Errorf("tele mqtt connect err=%v", err)
	}
	return self, nil
}

func (self *MqttStore) AppendSnapshot(ctx context.Context, userKey string, s *Snapshot) error {
	if userKey == "" || strings.ContainsAny(userKey, "/+#") {
		return errors.NotValidf("tele user key=%q", userKey)
	}
	if !self.m.IsConnected() {
		return errors.Errorf("tele mqtt not connected")
	}
	c := stamp(s, self.Now)
	payload, err := proto.Marshal(c)
	if err != nil {
		return errors.Annotate(err, "tele snapshot Marshal")
	}
	timeout := self.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	topic := TopicSnapshot(userKey)
	token := self.m.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(timeout) {
		return errors.Timeoutf("tele publish topic=%s", topic)
	}
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "tele publish topic=%s", topic)
	}
	self.log.Debugf("tele published topic=%s len=%d", topic, len(payload))
	return nil
}

func (self *MqttStore) Close() {
	if self.m.IsConnected() {
		token := self.m.Publish(self.topicConnect, 1, true, []byte{0x00})
		token.WaitTimeout(self.timeout)
	}
	self.m.Disconnect(250)
}

func (self *MqttStore) onConnect(c mqtt.Client) {
	self.log.Infof("tele mqtt connect")
	c.Publish(self.topicConnect, 1, true, []byte{0x01})
}

func (self *MqttStore) onConnectionLost(c mqtt.Client, err error) {
	self.log.Errorf("tele mqtt connection lost err=%v", err)
}
