// Package supervisor with the long-lived broker session of io7sync
//
// The Supervisor owns the transport and a buffered outbound channel. All outbound traffic,
// including dynamic-security command envelopes, passes through this channel so the send loop
// is the only writer toward the broker. Inbound messages are decoded once into a topic shape
// and dispatched through a handler table.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/io7lab/io7sync/internal/mqttclient"
	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
	"github.com/io7lab/io7sync/pkg/topics"
)

// DefaultWorkers is the concurrency limit of the telemetry pool
const DefaultWorkers = 30

// DefaultQueueSize is the capacity of the outbound channel
const DefaultQueueSize = 100

// ClientIDPrefix of the broker session client ID
const ClientIDPrefix = "io7sync-"

var errDisconnected = errors.New("not connected")
var errQueueFull = errors.New("outbound queue is full")

// Transport is the broker session used by the supervisor.
// internal/mqttclient.MqttClient implements it.
type Transport interface {
	Connect(ctx context.Context, clientID string, username string, password string) error
	SetOnConnect(handler func())
	Subscribe(topic string, handler mqttclient.MessageHandler)
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Close()
}

// EdgeRegistrar registers edge devices on request of their gateway
type EdgeRegistrar interface {
	RegisterEdge(ctx context.Context, gatewayID string, devID string) error
}

// Recorder receives the telemetry events of devices
type Recorder interface {
	Record(ctx context.Context, devID string, payload []byte) error
}

// Config of the supervisor
type Config struct {
	Username  string // broker account with dynamic-security rights
	Password  string
	Namespace string
	Workers   int
	QueueSize int
}

type outbound struct {
	topic   string
	payload []byte
}

type handler func(ctx context.Context, inbound topics.Inbound, payload []byte)

// Supervisor maintains the broker session
type Supervisor struct {
	config      Config
	transport   Transport
	store       *identity.Store
	snapshotter dynsec.Snapshotter
	queue       chan outbound
	pool        *semaphore.Weighted
	handlers    map[topics.Shape]handler

	mutex     sync.RWMutex
	ctx       context.Context
	registrar EdgeRegistrar
	recorder  Recorder
}

// SetRegistrar sets the handler of gateway child registrations
func (sup *Supervisor) SetRegistrar(registrar EdgeRegistrar) {
	sup.mutex.Lock()
	defer sup.mutex.Unlock()
	sup.registrar = registrar
}

// SetRecorder sets the receiver of device events. Events are dropped without recorder.
func (sup *Supervisor) SetRecorder(recorder Recorder) {
	sup.mutex.Lock()
	defer sup.mutex.Unlock()
	sup.recorder = recorder
}

// Dispatcher returns a command dispatcher that sends through this supervisor
func (sup *Supervisor) Dispatcher() *dynsec.Dispatcher {
	return dynsec.NewDispatcher(sup)
}

// Namespace returns the topic namespace
func (sup *Supervisor) Namespace() string {
	return sup.config.Namespace
}

// Enqueue hands a message to the send loop.
// While disconnected, or when the queue is full, the message is dropped and
// TransportUnavailableError is returned.
func (sup *Supervisor) Enqueue(topic string, payload []byte) error {
	if !sup.transport.IsConnected() {
		return &dynsec.TransportUnavailableError{Err: errDisconnected}
	}
	select {
	case sup.queue <- outbound{topic: topic, payload: payload}:
		return nil
	default:
		logrus.Errorf("Supervisor.Enqueue: queue full. Message to '%s' dropped", topic)
		return &dynsec.TransportUnavailableError{Err: errQueueFull}
	}
}

// context returns the context of the running session
func (sup *Supervisor) context() context.Context {
	sup.mutex.RLock()
	defer sup.mutex.RUnlock()
	if sup.ctx == nil {
		return context.Background()
	}
	return sup.ctx
}

// Run connects to the broker and runs the send loop until the context is cancelled.
// Connecting is retried indefinitely. Returns nil when cancelled after connecting.
func (sup *Supervisor) Run(ctx context.Context) error {
	sup.mutex.Lock()
	sup.ctx = ctx
	sup.mutex.Unlock()

	ns := sup.config.Namespace
	sup.transport.SetOnConnect(sup.onConnect)
	for _, topic := range []string{
		topics.ControlResponseTopic,
		topics.Expand(topics.TopicGatewayAdd, ns, topics.Wildcard),
		topics.Expand(topics.TopicGatewayQry, ns, topics.Wildcard),
		topics.AppSubscribe(ns),
	} {
		sup.transport.Subscribe(topic, sup.onMessage)
	}
	clientID := ClientIDPrefix + uuid.NewString()
	err := sup.transport.Connect(ctx, clientID, sup.config.Username, sup.config.Password)
	if err != nil {
		logrus.Errorf("Supervisor.Run: %s", err)
		return err
	}
	defer sup.transport.Close()

	for {
		select {
		case <-ctx.Done():
			logrus.Infof("Supervisor.Run: stopped")
			return nil
		case msg := <-sup.queue:
			if err := sup.transport.Publish(msg.topic, msg.payload); err != nil {
				// not retried. Drift is reported by the auditor.
				logrus.Errorf("Supervisor.Run: publish to '%s' failed: %s", msg.topic, err)
			}
		}
	}
}

// onConnect ensures the system roles exist
func (sup *Supervisor) onConnect() {
	if err := sup.EnsureBaseline(sup.context()); err != nil {
		logrus.Errorf("Supervisor.onConnect: baseline setup failed: %s", err)
	}
}

// EnsureBaseline creates the $apps and $io7_adm roles when they are missing and grants
// $io7_adm to the administrator.
func (sup *Supervisor) EnsureBaseline(ctx context.Context) error {
	snap, err := sup.snapshotter.Snapshot(ctx)
	if err != nil {
		return err
	}
	ns := sup.config.Namespace
	batch := dynsec.NewBatch()
	if !snap.RoleExists(dynsec.RoleApps) {
		_ = batch.Add(dynsec.CreateRole{RoleName: dynsec.RoleApps, ACLs: []dynsec.ACL{
			dynsec.NewACL(dynsec.ACLSubscribe, topics.AppSubscribe(ns)),
			dynsec.NewACL(dynsec.ACLPublish, topics.AppPublish(ns)),
		}})
	}
	if !snap.RoleExists(dynsec.RoleIo7Adm) {
		adminID := snap.AdminUsername()
		if adminID == "" {
			logrus.Errorf("Supervisor.EnsureBaseline: No admin user found in the authorization backend")
		} else {
			_ = batch.Add(dynsec.CreateRole{RoleName: dynsec.RoleIo7Adm, ACLs: []dynsec.ACL{
				dynsec.NewACL(dynsec.ACLSubscribe, topics.Expand(topics.TopicGatewayAdd, ns, topics.Wildcard)),
				dynsec.NewACL(dynsec.ACLSubscribe, topics.Expand(topics.TopicGatewayQry, ns, topics.Wildcard)),
				dynsec.NewACL(dynsec.ACLPublish, topics.Expand(topics.TopicGatewayList, ns, topics.Wildcard)),
				dynsec.NewACL(dynsec.ACLPublish, topics.Mgmt(ns)),
			}})
			_ = batch.Add(dynsec.AddClientRole{
				Username: adminID, RoleName: dynsec.RoleIo7Adm, Priority: dynsec.DefaultPriority})
		}
	}
	if batch.Len() > 0 {
		logrus.Infof("Supervisor.EnsureBaseline: creating %d system commands", batch.Len())
	}
	return sup.Dispatcher().Dispatch(ctx, batch)
}

// onMessage decodes the topic and passes the message to its handler
func (sup *Supervisor) onMessage(topic string, payload []byte) {
	inbound := topics.Parse(sup.config.Namespace, topic)
	h, found := sup.handlers[inbound.Shape]
	if !found {
		logrus.Debugf("Supervisor.onMessage: ignored message on '%s'", topic)
		return
	}
	h(sup.context(), inbound, payload)
}

// handleGatewayAdd registers the edge device in {"d":{"devId":"..."}}
func (sup *Supervisor) handleGatewayAdd(ctx context.Context, inbound topics.Inbound, payload []byte) {
	request := struct {
		D struct {
			DevID string `json:"devId"`
		} `json:"d"`
	}{}
	if err := json.Unmarshal(payload, &request); err != nil || request.D.DevID == "" {
		logrus.Warningf("Supervisor.handleGatewayAdd: invalid request from '%s': %s", inbound.DeviceID, payload)
		return
	}
	sup.mutex.RLock()
	registrar := sup.registrar
	sup.mutex.RUnlock()
	if registrar == nil {
		logrus.Errorf("Supervisor.handleGatewayAdd: no registrar")
		return
	}
	err := registrar.RegisterEdge(ctx, inbound.DeviceID, request.D.DevID)
	if err != nil {
		logrus.Errorf("Supervisor.handleGatewayAdd: gateway '%s' edge '%s': %s",
			inbound.DeviceID, request.D.DevID, err)
		return
	}
	logrus.Infof("Supervisor.handleGatewayAdd: gateway '%s' registered edge '%s'", inbound.DeviceID, request.D.DevID)
}

// handleGatewayQuery publishes the IDs of the gateway's children followed by the gateway itself
func (sup *Supervisor) handleGatewayQuery(ctx context.Context, inbound topics.Inbound, payload []byte) {
	children, err := sup.store.DevicesOwnedBy(inbound.DeviceID)
	if err != nil {
		logrus.Errorf("Supervisor.handleGatewayQuery: %s", err)
		return
	}
	ids := make([]string, 0, len(children)+1)
	for _, child := range children {
		ids = append(ids, child.DevID)
	}
	ids = append(ids, inbound.DeviceID)
	list, _ := json.Marshal(ids)
	listTopic := topics.Expand(topics.TopicGatewayList, sup.config.Namespace, inbound.DeviceID)
	if err = sup.Enqueue(listTopic, list); err != nil {
		logrus.Errorf("Supervisor.handleGatewayQuery: %s", err)
	}
}

// handleEvent records the device event on the worker pool. Connection events are not recorded.
func (sup *Supervisor) handleEvent(ctx context.Context, inbound topics.Inbound, payload []byte) {
	if inbound.Event == "connection" {
		return
	}
	sup.mutex.RLock()
	recorder := sup.recorder
	sup.mutex.RUnlock()
	if recorder == nil {
		return
	}
	if err := sup.pool.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer sup.pool.Release(1)
		if err := recorder.Record(ctx, inbound.DeviceID, payload); err != nil {
			logrus.Warningf("Supervisor.handleEvent: device '%s': %s", inbound.DeviceID, err)
		}
	}()
}

func (sup *Supervisor) handleControlResponse(ctx context.Context, inbound topics.Inbound, payload []byte) {
	logrus.Debugf("Supervisor.handleControlResponse: %s", payload)
}

// NewSupervisor creates the connection supervisor
//  config with the broker account and namespace
//  transport is the broker session
//  store is used to answer gateway queries
//  snapshotter reads the authorization backend for the baseline setup
func NewSupervisor(config Config, transport Transport,
	store *identity.Store, snapshotter dynsec.Snapshotter) (*Supervisor, error) {
	if transport == nil || store == nil || snapshotter == nil {
		return nil, fmt.Errorf("supervisor requires a transport, store and snapshotter")
	}
	if config.Namespace == "" {
		config.Namespace = topics.DefaultNamespace
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	sup := &Supervisor{
		config:      config,
		transport:   transport,
		store:       store,
		snapshotter: snapshotter,
		queue:       make(chan outbound, config.QueueSize),
		pool:        semaphore.NewWeighted(int64(config.Workers)),
	}
	sup.handlers = map[topics.Shape]handler{
		topics.ShapeGatewayAdd:      sup.handleGatewayAdd,
		topics.ShapeGatewayQuery:    sup.handleGatewayQuery,
		topics.ShapeEvent:           sup.handleEvent,
		topics.ShapeControlResponse: sup.handleControlResponse,
	}
	return sup, nil
}
