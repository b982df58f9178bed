// Package mqttclient with the broker session used by the connection supervisor
package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ConnectionTimeoutSec constant with connection and publish timeouts
const ConnectionTimeoutSec = 20

// DefaultRetryDelay is the fixed wait between connection attempts
const DefaultRetryDelay = 60 * time.Second

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("no connection with server")

// MessageHandler receives the messages of a subscription
type MessageHandler func(topic string, payload []byte)

// MqttClient client wrapper around pahoClient
// Subscriptions are kept and restored on each (re)connect as the session is clean.
type MqttClient struct {
	hostPort   string // host:port of server to connect to
	caCertFile string // CA certificate. Empty to connect without TLS
	qos        byte
	retryDelay time.Duration

	pahoClient    pahomqtt.Client
	subscriptions map[string]MessageHandler
	onConnect     func()
	updateMutex   *sync.Mutex
}

// brokerURL returns ssl:// when a CA certificate is configured, tcp:// otherwise
func (mqttClient *MqttClient) brokerURL() string {
	if mqttClient.caCertFile != "" {
		return fmt.Sprintf("ssl://%s", mqttClient.hostPort)
	}
	return fmt.Sprintf("tcp://%s", mqttClient.hostPort)
}

func (mqttClient *MqttClient) tlsConfig() (*tls.Config, error) {
	caCertPEM, err := os.ReadFile(mqttClient.caCertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	rootCA := x509.NewCertPool()
	if !rootCA.AppendCertsFromPEM(caCertPEM) {
		return nil, fmt.Errorf("no certificates in '%s'", mqttClient.caCertFile)
	}
	return &tls.Config{RootCAs: rootCA}, nil
}

// SetOnConnect sets the handler invoked after each successful (re)connect and resubscribe
func (mqttClient *MqttClient) SetOnConnect(handler func()) {
	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()
	mqttClient.onConnect = handler
}

// Connect to the MQTT broker
// If no connection is possible this keeps retrying with a fixed delay until it
// succeeds or the context is cancelled. Once connected, paho reconnects automatically.
//  clientID unique ID of this session
//  username and password to authenticate with
func (mqttClient *MqttClient) Connect(ctx context.Context, clientID string, username string, password string) error {
	brokerURL := mqttClient.brokerURL()
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(mqttClient.retryDelay)
	// Subscriptions are restored by resubscribe so no broker side session is needed
	opts.SetCleanSession(true)
	opts.SetKeepAlive(ConnectionTimeoutSec * time.Second)

	if mqttClient.caCertFile != "" {
		tlsConfig, err := mqttClient.tlsConfig()
		if err != nil {
			logrus.Errorf("MqttClient.Connect: %s", err)
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logrus.Warningf("MqttClient.onConnect: Connected to server at %s. ClientId=%s", brokerURL, clientID)
		mqttClient.resubscribe()
		mqttClient.updateMutex.Lock()
		onConnect := mqttClient.onConnect
		mqttClient.updateMutex.Unlock()
		if onConnect != nil {
			// paho holds its router while this handler runs
			go onConnect()
		}
	})
	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		logrus.Warningf("MqttClient.onConnectionLost: Disconnected from server %s. Error %s, ClientId=%s",
			brokerURL, err, clientID)
	})

	pahoClient := pahomqtt.NewClient(opts)
	mqttClient.updateMutex.Lock()
	mqttClient.pahoClient = pahoClient
	mqttClient.updateMutex.Unlock()

	logrus.Infof("MqttClient.Connect: Connecting to MQTT server: %s with clientID %s", brokerURL, clientID)
	// Auto reconnect doesn't work for initial attempt: https://github.com/eclipse/paho.mqtt.golang/issues/77
	for {
		token := pahoClient.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			return nil
		}
		logrus.Errorf("MqttClient.Connect: Connecting to broker on %s failed: %s. retrying in %s.",
			brokerURL, err, mqttClient.retryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mqttClient.retryDelay):
		}
	}
}

// IsConnected returns true while a broker connection exists
func (mqttClient *MqttClient) IsConnected() bool {
	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()
	return mqttClient.pahoClient != nil && mqttClient.pahoClient.IsConnected()
}

// Close disconnects from the broker and removes all subscriptions
func (mqttClient *MqttClient) Close() {
	mqttClient.updateMutex.Lock()
	pahoClient := mqttClient.pahoClient
	mqttClient.pahoClient = nil
	mqttClient.subscriptions = make(map[string]MessageHandler)
	mqttClient.updateMutex.Unlock()

	// IsConnected includes a session that is reconnecting
	if pahoClient != nil && pahoClient.IsConnected() {
		logrus.Warningf("MqttClient.Close: disconnecting from %s", mqttClient.hostPort)
		pahoClient.Disconnect(1000 * ConnectionTimeoutSec)
	}
}

// Publish a message to a topic and wait until it is handed to the broker
func (mqttClient *MqttClient) Publish(topic string, message []byte) error {
	mqttClient.updateMutex.Lock()
	pahoClient := mqttClient.pahoClient
	mqttClient.updateMutex.Unlock()

	if pahoClient == nil || !pahoClient.IsConnected() {
		logrus.Warnf("MqttClient.Publish: Unable to publish to %s. No connection with server.", topic)
		return ErrNotConnected
	}
	logrus.Debugf("MqttClient.Publish: topic=%s, qos=%d", topic, mqttClient.qos)
	token := pahoClient.Publish(topic, mqttClient.qos, false, message)
	if !token.WaitTimeout(ConnectionTimeoutSec * time.Second) {
		return fmt.Errorf("publish on '%s' timed out", topic)
	}
	err := token.Error()
	if err != nil {
		logrus.Warnf("MqttClient.Publish: Error during publish on topic %s: %v", topic, err)
	}
	return err
}

func (mqttClient *MqttClient) subscribe(pahoClient pahomqtt.Client, topic string, handler MessageHandler) {
	pahoClient.Subscribe(topic, mqttClient.qos, func(c pahomqtt.Client, msg pahomqtt.Message) {
		logrus.Debugf("MqttClient.onMessage: topic=%s", msg.Topic())
		handler(msg.Topic(), msg.Payload())
	})
}

// resubscribe to all registered topics after establishing a connection.
// Subscriptions made before the connection exists are activated here.
func (mqttClient *MqttClient) resubscribe() {
	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()

	logrus.Infof("MqttClient.resubscribe to %d topics", len(mqttClient.subscriptions))
	if mqttClient.pahoClient == nil {
		return
	}
	for topic, handler := range mqttClient.subscriptions {
		mqttClient.subscribe(mqttClient.pahoClient, topic, handler)
	}
}

// Subscribe to a topic. This supports mqtt wildcards such as + and #
// If a subscription already exists, it is replaced.
func (mqttClient *MqttClient) Subscribe(topic string, handler MessageHandler) {
	logrus.Infof("MqttClient.Subscribe: topic %s, qos %d", topic, mqttClient.qos)

	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()
	mqttClient.subscriptions[topic] = handler
	if mqttClient.pahoClient != nil && mqttClient.pahoClient.IsConnected() {
		mqttClient.subscribe(mqttClient.pahoClient, topic, handler)
	}
}

// Unsubscribe from a topic
func (mqttClient *MqttClient) Unsubscribe(topic string) {
	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()

	if _, found := mqttClient.subscriptions[topic]; !found {
		logrus.Warningf("MqttClient.Unsubscribe: Subscription on topic %s didn't exist. Ignored", topic)
		return
	}
	delete(mqttClient.subscriptions, topic)
	if mqttClient.pahoClient != nil && mqttClient.pahoClient.IsConnected() {
		mqttClient.pahoClient.Unsubscribe(topic)
	}
}

// Subscriptions returns the topics currently registered
func (mqttClient *MqttClient) Subscriptions() []string {
	mqttClient.updateMutex.Lock()
	defer mqttClient.updateMutex.Unlock()
	topics := make([]string, 0, len(mqttClient.subscriptions))
	for topic := range mqttClient.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// NewMqttClient creates a new MQTT client instance
//  hostPort to connect to
//  caCertFile with the server CA certificate. Use "" to connect without TLS
//  retryDelay between connection attempts. Use 0 for DefaultRetryDelay
func NewMqttClient(hostPort string, caCertFile string, retryDelay time.Duration) *MqttClient {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &MqttClient{
		hostPort:      hostPort,
		caCertFile:    caCertFile,
		qos:           1,
		retryDelay:    retryDelay,
		subscriptions: make(map[string]MessageHandler),
		updateMutex:   &sync.Mutex{},
	}
}
