package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
)

var ecu1 = &sequence.NodeIdentity{Index: 2, Name: "ECU1", Address: protocol.Address{Bus: 1, Node: 5}}

func TestConsole(t *testing.T) {
	cli.SetColor(false)
	var buf bytes.Buffer
	c := NewConsole(&buf, false, []string{"GW1", "ECU1"})

	events := []sequence.Event{
		{Phase: sequence.PhaseUpdate, Step: sequence.UpdateStart},
		{Phase: sequence.PhaseUpdate, Step: sequence.UpdateNodeStart, Node: ecu1},
		{Phase: sequence.PhaseUpdate, Step: sequence.UpdateTransferData, Node: ecu1, Percent: 50},
		{Phase: sequence.PhaseUpdate, Step: sequence.UpdateNodeFinished, Node: ecu1},
		{Phase: sequence.PhaseUpdate, Step: sequence.UpdateTransferExitError, Node: ecu1, Err: errors.New("no answer")},
		{Phase: sequence.PhaseUpdate, Step: sequence.UpdateNodeError, Node: ecu1, Err: errors.New("no answer")},
		{Phase: sequence.PhaseUpdate, Step: sequence.UpdateFinished, Err: errors.New("ECU1 failed")},
	}
	for _, ev := range events {
		assert.True(t, c.ReportProgress(ev))
	}

	want := "\nupdate system\n" +
		"  ECU1 ..... OK\n" +
		"      request transfer exit failed: no answer\n" +
		"  ECU1 ..... FAIL\n" +
		"  failed: ECU1 failed\n"
	assert.Equal(t, want, buf.String())
}

func TestConsoleVerboseProgressQuarters(t *testing.T) {
	cli.SetColor(false)
	var buf bytes.Buffer
	c := NewConsole(&buf, true, []string{"ECU1"})

	for _, p := range []int{0, 10, 26, 30, 50, 99, 100} {
		c.ReportProgress(sequence.Event{Phase: sequence.PhaseUpdate, Step: sequence.UpdateTransferData, Node: ecu1, Percent: p})
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "ECU1   0%", strings.TrimSpace(lines[0]))
	assert.Equal(t, "ECU1 100%", strings.TrimSpace(lines[4]))
}

func TestConsoleSkipAndDeviceInfo(t *testing.T) {
	cli.SetColor(false)
	var buf bytes.Buffer
	c := NewConsole(&buf, false, []string{"ECU1"})

	c.ReportProgress(sequence.Event{Phase: sequence.PhaseReset, Step: sequence.ResetNodeSkipped, Node: ecu1, Detail: "unreachable"})
	c.ReportDeviceInfo(sequence.DeviceInformation{
		Node: *ecu1,
		Native: &protocol.NativeInfo{
			DeviceName:  "ECU200",
			Flashloader: protocol.FlashloaderInfo{Version: "1.4", SerialNumber: "0042"},
			FlashBlocks: []protocol.FlashBlock{{Name: "app", Version: "2.0"}},
		},
	})

	assert.Equal(t,
		"  ECU1 ..... SKIP  (unreachable)\n"+
			"  ECU1 ..... ECU200, flashloader 1.4, serial 0042, app 2.0\n",
		buf.String())
}

type stubReporter struct {
	events []sequence.Event
	infos  int
	accept bool
}

func (s *stubReporter) ReportProgress(ev sequence.Event) bool {
	s.events = append(s.events, ev)
	return s.accept
}

func (s *stubReporter) ReportDeviceInfo(sequence.DeviceInformation) bool {
	s.infos++
	return s.accept
}

func TestMulti(t *testing.T) {
	a := &stubReporter{accept: true}
	b := &stubReporter{accept: false}
	m := Multi{a, b}

	assert.False(t, m.ReportProgress(sequence.Event{Step: sequence.UpdateStart}))
	assert.False(t, m.ReportDeviceInfo(sequence.DeviceInformation{}))
	assert.Len(t, a.events, 1, "every reporter sees the event")
	assert.Equal(t, 1, a.infos)

	assert.True(t, Multi{a}.ReportProgress(sequence.Event{}))
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	args := m.Called(topic, qos, retained, payload)
	return args.Get(0).(mqtt.Token)
}

// doneToken is an mqtt.Token that has already completed.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestMQTTReporterPublishesEvents(t *testing.T) {
	pub := new(mockPublisher)
	var payload []byte
	pub.On("Publish", "fleet/run-1/events", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(3).([]byte) }).
		Return(doneToken{})

	r := NewMQTTReporter(pub, "fleet", "run-1")
	r.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	ok := r.ReportProgress(sequence.Event{
		Phase:   sequence.PhaseUpdate,
		Step:    sequence.UpdateTransferData,
		Node:    ecu1,
		Percent: 40,
		Err:     errors.New("slow"),
	})

	require.True(t, ok)
	pub.AssertExpectations(t)
	var msg EventMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, EventMessage{
		Run:     "run-1",
		Time:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Phase:   "update system",
		Step:    "transfer data",
		Code:    int(sequence.UpdateTransferData),
		Node:    "ECU1",
		Address: "1.5",
		Percent: 40,
		Error:   "slow",
	}, msg)
}

func TestMQTTReporterDeviceInfoIsRetained(t *testing.T) {
	pub := new(mockPublisher)
	var payload []byte
	pub.On("Publish", "fleet/run-1/devices/ECU1", byte(1), true, mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(3).([]byte) }).
		Return(doneToken{})

	r := NewMQTTReporter(pub, "fleet", "run-1")
	ok := r.ReportDeviceInfo(sequence.DeviceInformation{
		Node:   *ecu1,
		Legacy: &protocol.LegacyInfo{DeviceID: "IO100", FlashloaderVersion: "3"},
	})

	require.True(t, ok)
	pub.AssertExpectations(t)
	var msg DeviceMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "IO100", msg.DeviceName)
	assert.Equal(t, "3", msg.FlashloaderVersion)
}

func TestMQTTReporterNeverAbortsOnPublishError(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(doneToken{err: errors.New("broker gone")})

	r := NewMQTTReporter(pub, "fleet", "run-1")

	assert.True(t, r.ReportProgress(sequence.Event{Phase: sequence.PhaseReset, Step: sequence.ResetStart}))
	pub.AssertNumberOfCalls(t, "Publish", 1)
}

// pendingToken is an mqtt.Token that never completes, as while the client
// is reconnecting.
type pendingToken struct {
	done chan struct{}
}

func (t pendingToken) Wait() bool                     { <-t.done; return true }
func (t pendingToken) WaitTimeout(time.Duration) bool { return false }
func (t pendingToken) Error() error                   { return nil }
func (t pendingToken) Done() <-chan struct{}          { return t.done }

func TestMQTTReporterDoesNotWaitForBroker(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(pendingToken{done: make(chan struct{})})

	r := NewMQTTReporter(pub, "fleet", "run-1")
	r.timeout = 50 * time.Millisecond

	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.True(t, r.ReportProgress(sequence.Event{Phase: sequence.PhaseUpdate, Step: sequence.UpdateStart}))
	}
	assert.Less(t, time.Since(start), r.timeout, "reporting must not wait for confirmations")
	pub.AssertNumberOfCalls(t, "Publish", 5)

	r.Wait()
	assert.GreaterOrEqual(t, time.Since(start), r.timeout)
}

func TestMQTTReporterThrottlesTransferProgress(t *testing.T) {
	pub := new(mockPublisher)
	var percents []int
	pub.On("Publish", "fleet/run-1/events", byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) {
			var msg EventMessage
			require.NoError(t, json.Unmarshal(args.Get(3).([]byte), &msg))
			percents = append(percents, msg.Percent)
		}).
		Return(doneToken{})

	r := NewMQTTReporter(pub, "fleet", "run-1")
	transfer := func(p int) {
		r.ReportProgress(sequence.Event{Phase: sequence.PhaseUpdate, Step: sequence.UpdateTransferData, Node: ecu1, Percent: p})
	}
	for p := 1; p <= 100; p++ {
		transfer(p)
	}
	r.Wait()
	assert.Equal(t, []int{1, 11, 21, 31, 41, 51, 61, 71, 81, 91, 100}, percents)

	// A new node run starts over.
	percents = nil
	r.ReportProgress(sequence.Event{Phase: sequence.PhaseUpdate, Step: sequence.UpdateNodeStart, Node: ecu1})
	transfer(3)
	transfer(5)
	r.ReportProgress(sequence.Event{Phase: sequence.PhaseUpdate, Step: sequence.UpdateTransferDataError, Node: ecu1, Percent: 6, Err: errors.New("gone")})
	r.Wait()
	assert.Equal(t, []int{0, 3, 6}, percents)
}
