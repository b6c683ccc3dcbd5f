package progress

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
)

// Publisher is the part of mqtt.Client the reporter needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Connect dials the broker and returns a connected client.
func Connect(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, util.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// EventMessage is the JSON payload of a progress event.
type EventMessage struct {
	Run     string    `json:"run"`
	Time    time.Time `json:"time"`
	Phase   string    `json:"phase"`
	Step    string    `json:"step"`
	Code    int       `json:"code"`
	Node    string    `json:"node,omitempty"`
	Address string    `json:"address,omitempty"`
	Percent int       `json:"percent,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// DeviceMessage is the JSON payload of a device information report.
type DeviceMessage struct {
	Run                string `json:"run"`
	Node               string `json:"node"`
	Address            string `json:"address"`
	DeviceName         string `json:"device_name"`
	FlashloaderVersion string `json:"flashloader_version,omitempty"`
	SerialNumber       string `json:"serial_number,omitempty"`
	Applications       []App  `json:"applications,omitempty"`
}

// App is one application of a native device.
type App struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Valid   bool   `json:"valid"`
}

// percentStep is the smallest transfer progress change that is published.
const percentStep = 10

// MQTTReporter publishes progress events to <topic>/<run>/events and device
// information, retained, to <topic>/<run>/devices/<node>. Publishing never
// blocks the run: delivery is confirmed in the background and failures are
// only logged. Transfer progress is published in 10% steps.
type MQTTReporter struct {
	pub     Publisher
	topic   string
	run     string
	timeout time.Duration
	now     func() time.Time
	log     *logrus.Entry

	sent    map[int]int // last published transfer percentage per node
	pending sync.WaitGroup
}

// NewMQTTReporter creates a reporter publishing under topic for run.
func NewMQTTReporter(pub Publisher, topic, run string) *MQTTReporter {
	return &MQTTReporter{
		pub:     pub,
		topic:   topic,
		run:     run,
		timeout: 2 * time.Second,
		now:     time.Now,
		log:     util.WithField("run", run),
		sent:    map[int]int{},
	}
}

// EventsTopic is the topic progress events are published to.
func (r *MQTTReporter) EventsTopic() string {
	return fmt.Sprintf("%s/%s/events", r.topic, r.run)
}

// DeviceTopic is the topic the device information of node is published to.
func (r *MQTTReporter) DeviceTopic(node string) string {
	return fmt.Sprintf("%s/%s/devices/%s", r.topic, r.run, util.SanitizeForName(node))
}

func (r *MQTTReporter) ReportProgress(ev sequence.Event) bool {
	if r.throttled(ev) {
		return true
	}
	msg := EventMessage{
		Run:     r.run,
		Time:    r.now().UTC(),
		Phase:   ev.Phase.String(),
		Step:    ev.Step.String(),
		Code:    int(ev.Step),
		Percent: ev.Percent,
		Detail:  ev.Detail,
	}
	if ev.Node != nil {
		msg.Node = ev.Node.Name
		msg.Address = ev.Node.Address.String()
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	r.publish(r.EventsTopic(), false, msg)
	return true
}

func (r *MQTTReporter) ReportDeviceInfo(info sequence.DeviceInformation) bool {
	msg := DeviceMessage{
		Run:     r.run,
		Node:    info.Node.Name,
		Address: info.Node.Address.String(),
	}
	switch {
	case info.Native != nil:
		msg.DeviceName = info.Native.DeviceName
		msg.FlashloaderVersion = info.Native.Flashloader.Version
		msg.SerialNumber = info.Native.Flashloader.SerialNumber
		for _, b := range info.Native.FlashBlocks {
			msg.Applications = append(msg.Applications, App{Name: b.Name, Version: b.Version, Valid: b.Valid})
		}
	case info.Legacy != nil:
		msg.DeviceName = info.Legacy.DeviceID
		msg.FlashloaderVersion = info.Legacy.FlashloaderVersion
		msg.SerialNumber = info.Legacy.SerialNumber
	}
	r.publish(r.DeviceTopic(info.Node.Name), true, msg)
	return true
}

// throttled reports whether a transfer progress event is too close to the
// last one published for its node.
func (r *MQTTReporter) throttled(ev sequence.Event) bool {
	if ev.Node == nil || ev.Err != nil {
		return false
	}
	switch ev.Step {
	case sequence.UpdateNodeStart:
		delete(r.sent, ev.Node.Index)
		return false
	case sequence.UpdateTransferData, sequence.UpdateLegacyFlashProgress:
	default:
		return false
	}
	last, ok := r.sent[ev.Node.Index]
	if ok && ev.Percent < 100 && ev.Percent >= last && ev.Percent-last < percentStep {
		return true
	}
	r.sent[ev.Node.Index] = ev.Percent
	return false
}

func (r *MQTTReporter) publish(topic string, retained bool, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.WithError(err).Warn("encoding MQTT message")
		return
	}
	token := r.pub.Publish(topic, 1, retained, data)
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				r.log.WithError(err).WithField("topic", topic).Warn("MQTT publish failed")
			}
		case <-time.After(r.timeout):
			r.log.WithField("topic", topic).Warn("MQTT publish not confirmed")
		}
	}()
}

// Wait blocks until every publish so far is confirmed or has timed out.
func (r *MQTTReporter) Wait() {
	r.pending.Wait()
}
