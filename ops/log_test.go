package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactorui/bus"
)

type recordedPublish struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type stubBus struct {
	published []recordedPublish
}

type stubPublication struct{}

func (stubPublication) Wait(time.Duration) error { return nil }

func (s *stubBus) Publish(topic string, payload []byte, qos byte, retain bool) bus.Publication {
	s.published = append(s.published, recordedPublish{topic, payload, qos, retain})
	return stubPublication{}
}

func TestErrorEnvelope(t *testing.T) {
	var publisher = &stubBus{}
	var logFile = filepath.Join(t.TempDir(), "ui.log")
	var l = NewUILogger("leader01", logFile, publisher)
	defer l.Close()

	l.Error("get_experiments", os.ErrPermission)

	require.Len(t, publisher.published, 1)
	require.Equal(t, "pioreactor/leader01/$experiment/logs/ui/error", publisher.published[0].topic)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(publisher.published[0].payload, &envelope))
	require.Equal(t, "ERROR", envelope.Level)
	require.Equal(t, "ui", envelope.Source)
	require.Equal(t, "get_experiments", envelope.Task)
	require.Equal(t, "permission denied", envelope.Message)
	require.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{6}Z$`, envelope.Timestamp)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(content), "ERROR permission denied")
}

func TestExperimentLogAddressesUnitAndExperiment(t *testing.T) {
	var publisher = &stubBus{}
	var l = NewUILogger("leader01", filepath.Join(t.TempDir(), "ui.log"), publisher)
	defer l.Close()

	l.ExperimentLog("pio01", "exp-A", "notes", "added media", "2026-01-01T00:00:00.000000Z")

	require.Len(t, publisher.published, 1)
	require.Equal(t, "pioreactor/pio01/exp-A/logs/ui/info", publisher.published[0].topic)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(publisher.published[0].payload, &envelope))
	require.Equal(t, "user", envelope.Source)
	require.Equal(t, "2026-01-01T00:00:00.000000Z", envelope.Timestamp)
}

func TestLoggerDegradesWithoutFile(t *testing.T) {
	var publisher = &stubBus{}
	var l = NewUILogger("leader01", filepath.Join(t.TempDir(), "missing", "nested", "ui.log"), publisher)
	defer l.Close()

	// Still publishes even though the log file could not be opened.
	l.Info("boot", "ready")
	require.Len(t, publisher.published, 1)
	require.True(t, strings.HasSuffix(publisher.published[0].topic, "/logs/ui/info"))
}
