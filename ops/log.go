// Package ops publishes UI-originated events onto the cluster's log stream.
// Events are mirrored three ways: to logrus, to the UI log file tailed by
// the frontend, and to the MQTT log topic where the leader's database
// streamer persists them.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pioreactor/pioreactorui/bus"
	"github.com/pioreactor/pioreactorui/config"
	"github.com/pioreactor/pioreactorui/store"
)

// Envelope is the JSON payload of a log topic message.
type Envelope struct {
	Message   string `json:"message"`
	Task      string `json:"task"`
	Source    string `json:"source"`
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
}

// UILogger publishes log envelopes for this unit.
type UILogger struct {
	Unit string
	Bus  bus.Publisher

	mu   sync.Mutex
	file *os.File
}

// NewUILogger opens (or creates) the UI log file for appending. A missing or
// unwritable file degrades to MQTT-only logging.
func NewUILogger(unit, logFile string, publisher bus.Publisher) *UILogger {
	var file, err = os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.WithFields(log.Fields{"path": logFile, "err": err}).Warn("UI log file unavailable")
	}
	return &UILogger{Unit: unit, Bus: publisher, file: file}
}

func (l *UILogger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}

// Publish emits one envelope at the given level for the universal
// experiment.
func (l *UILogger) Publish(level, task, message string) {
	l.publish(Envelope{
		Message:   strings.TrimSpace(message),
		Task:      task,
		Source:    "ui",
		Level:     strings.ToUpper(level),
		Timestamp: store.CurrentUTCTimestamp(),
	}, config.UniversalExperiment)
}

// Error logs and publishes an ERROR envelope.
func (l *UILogger) Error(task string, err error) {
	log.WithFields(log.Fields{"task": task, "err": err}).Error("UI error")
	l.Publish("ERROR", task, err.Error())
}

// Info logs and publishes an INFO envelope.
func (l *UILogger) Info(task, message string) {
	log.WithFields(log.Fields{"task": task}).Info(message)
	l.Publish("INFO", task, message)
}

// ExperimentLog publishes a user-originated envelope against a specific unit
// and experiment, for display in that experiment's log feed.
func (l *UILogger) ExperimentLog(unit, experiment, task, message, timestamp string) {
	if timestamp == "" {
		timestamp = store.CurrentUTCTimestamp()
	}
	var envelope = Envelope{
		Message:   strings.TrimSpace(message),
		Task:      task,
		Source:    "user",
		Level:     "INFO",
		Timestamp: timestamp,
	}
	var encoded, _ = json.Marshal(envelope)
	l.append(envelope)
	if l.Bus != nil {
		l.Bus.Publish(bus.LogTopic(unit, experiment, "info"), encoded, bus.AtMostOnce, false)
	}
}

func (l *UILogger) publish(envelope Envelope, experiment string) {
	var encoded, _ = json.Marshal(envelope)
	l.append(envelope)
	if l.Bus != nil {
		var topic = bus.LogTopic(l.Unit, experiment, strings.ToLower(envelope.Level))
		l.Bus.Publish(topic, encoded, bus.AtMostOnce, false)
	}
}

// append writes a human-readable line to the UI log file.
func (l *UILogger) append(envelope Envelope) {
	if l.file == nil {
		return
	}
	var line = fmt.Sprintf("%s [%s] %s %s\n",
		time.Now().Format("2006-01-02T15:04:05-0700"),
		envelope.Task, envelope.Level, envelope.Message)
	l.mu.Lock()
	l.file.WriteString(line)
	l.mu.Unlock()
}
