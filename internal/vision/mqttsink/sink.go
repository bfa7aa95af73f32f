// Package mqttsink publishes reconstruction step summaries to an MQTT
// broker.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

// Client is the subset of mqtt.Client the sink needs.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

var _ Client = mqtt.Client(nil)

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte
}

// DefaultConfig returns the defaults used when only a broker is given.
func DefaultConfig() Config {
	return Config{ClientID: "blipsfm", Prefix: "blipsfm"}
}

const publishTimeout = 2 * time.Second

// StepSummary is the payload published for every step.
type StepSummary struct {
	RunID       string            `json:"run_id"`
	FrameIndex  int               `json:"frame_index"`
	Timestamp   int64             `json:"timestamp_ns,omitempty"`
	State       string            `json:"state"`
	Tracked     int               `json:"tracked"`
	Lost        int               `json:"lost"`
	Replenished int               `json:"replenished"`
	Live        int               `json:"live"`
	PoseOK      bool              `json:"pose_ok"`
	PoseError   string            `json:"pose_error,omitempty"`
	Stats       l5recon.StepStats `json:"stats"`
}

// PoseMessage is the retained payload on the pose topic.
type PoseMessage struct {
	RunID      string        `json:"run_id"`
	FrameIndex int           `json:"frame_index"`
	R          [3][3]float64 `json:"r"`
	T          [3]float64    `json:"t"`
	Inliers    int           `json:"inliers"`
}

// Sink publishes step summaries to <prefix>/steps and the latest pose to
// <prefix>/pose.
type Sink struct {
	client Client
	prefix string
	qos    byte
}

// New wraps an already connected client.
func New(client Client, prefix string, qos byte) *Sink {
	if prefix == "" {
		prefix = DefaultConfig().Prefix
	}
	if qos > 2 {
		qos = 0
	}
	return &Sink{client: client, prefix: prefix, qos: qos}
}

// Connect dials the broker and returns a sink over the new connection.
func Connect(cfg Config) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker not set")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultConfig().ClientID
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[mqttsink] connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Broker, err)
	}
	log.Printf("[mqttsink] connected to %s as %s", cfg.Broker, cfg.ClientID)
	return New(client, cfg.Prefix, cfg.QoS), nil
}

// StepsTopic returns the topic step summaries go to.
func (s *Sink) StepsTopic() string { return s.prefix + "/steps" }

// PoseTopic returns the retained pose topic.
func (s *Sink) PoseTopic() string { return s.prefix + "/pose" }

// HandleStep publishes the summary of res, and its pose when one was
// recovered.
func (s *Sink) HandleStep(runID string, res *l5recon.StepResult) error {
	if s.client == nil || !s.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	sum := StepSummary{
		RunID:       runID,
		FrameIndex:  res.FrameIndex,
		State:       res.State.String(),
		Tracked:     res.Tracked.Len(),
		Lost:        res.Lost,
		Replenished: res.Replenished,
		Live:        len(res.Live),
		PoseOK:      res.Pose != nil,
		Stats:       res.Stats,
	}
	if !res.Timestamp.IsZero() {
		sum.Timestamp = res.Timestamp.UnixNano()
	}
	if res.PoseErr != nil {
		sum.PoseError = res.PoseErr.Error()
	}
	if err := s.publish(s.StepsTopic(), false, sum); err != nil {
		return err
	}

	if res.Pose == nil {
		return nil
	}
	pm := PoseMessage{RunID: runID, FrameIndex: res.FrameIndex, R: res.Pose.R, T: res.Pose.T}
	for _, in := range res.Inliers {
		if in {
			pm.Inliers++
		}
	}
	return s.publish(s.PoseTopic(), true, pm)
}

func (s *Sink) publish(topic string, retain bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}
	token := s.client.Publish(topic, s.qos, retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
