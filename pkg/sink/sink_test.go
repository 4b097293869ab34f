package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/itohio/goemon/pkg/command"
	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/meter"
	"github.com/itohio/goemon/pkg/pipeline"
)

var (
	_ pipeline.Sink = (*Writer)(nil)
	_ pipeline.Sink = (*Serial)(nil)
	_ pipeline.Sink = (*MQTT)(nil)
	_ pipeline.Sink = (*Influx)(nil)
	_ pipeline.Sink = (*Modbus)(nil)
	_ pipeline.Sink = (*Log)(nil)
)

var testMeterID = uuid.MustParse("6f1c2e1a-8f3b-4a51-9d7e-2b5c1f0a9e44")

func testReport() *meter.Report {
	return &meter.Report{
		Seq:           7,
		MeterID:       testMeterID,
		TimestampMs:   9400,
		Frames:        47,
		Frequency:     50,
		VoltageRMS:    []float32{230.5},
		CurrentRMS:    []float32{0.5, 0},
		RealPower:     []float32{100.25, -5},
		ApparentPower: []float32{115.25, 0},
		PowerFactor:   []float32{0.87, 0},
		EnergyWh:      []float64{1234.9, 0},
	}
}

func TestFormat_Line(t *testing.T) {
	line, err := Format(testReport(), false)
	require.NoError(t, err)
	assert.Equal(t, "MSG:7,V1:230.50,P1:100.25,E1:1234,P2:-5.00,E2:0\r\n", string(line))
}

func TestFormat_Pulses(t *testing.T) {
	r := testReport()
	r.Pulses = []uint64{12, 0}

	line, err := Format(r, false)
	require.NoError(t, err)
	assert.Equal(t, "MSG:7,V1:230.50,P1:100.25,E1:1234,P2:-5.00,E2:0,pulse1:12,pulse2:0\r\n", string(line))

	line, err = Format(r, true)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, []interface{}{float64(12), float64(0)}, decoded["pulses"])
}

func TestFormat_JSON(t *testing.T) {
	line, err := Format(testReport(), true)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(line, []byte("\r\n")))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, float64(7), decoded["seq"])
	assert.Equal(t, testMeterID.String(), decoded["meter_id"])
	assert.Len(t, decoded["real_power"], 2)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("port gone") }

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter("console", &buf, false)
	assert.Equal(t, "console", w.Name())

	require.NoError(t, w.Write(context.Background(), testReport()))
	require.NoError(t, w.Write(context.Background(), testReport()))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\r\n")))

	err := NewWriter("broken", failingWriter{}, false).Write(context.Background(), testReport())
	assert.ErrorContains(t, err, "port gone")
}

func TestEncode(t *testing.T) {
	r := testReport()

	b, err := Encode(r, EncodingJSON)
	require.NoError(t, err)
	var fromJSON map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &fromJSON))
	assert.Contains(t, fromJSON, "voltage_rms")

	b, err = Encode(r, EncodingMsgpack)
	require.NoError(t, err)
	var fromMsgpack map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(b, &fromMsgpack))
	assert.Contains(t, fromMsgpack, "voltage_rms")
	assert.Contains(t, fromMsgpack, "energy_wh")

	_, err = Encode(r, "xml")
	assert.Error(t, err)
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestMQTT_ControlHandler(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{Topic: "emon/reports", ControlTopic: "emon/control"}, testMeterID.String())

	var got []command.Command
	handler := m.controlHandler(func(c command.Command) error {
		got = append(got, c)
		return nil
	})

	handler(nil, fakeMessage{topic: "emon/control", payload: []byte(`{"command":"calibrate","params":{"channel":3,"scale":"2.5"}}`)})
	handler(nil, fakeMessage{topic: "emon/control", payload: []byte(`{"command":"reboot"}`)})
	handler(nil, fakeMessage{topic: "emon/control", payload: []byte(`not json`)})
	handler(nil, fakeMessage{topic: "emon/control", payload: []byte(`{"command":"reset_energy"}`)})

	require.Len(t, got, 2)
	assert.Equal(t, command.Command{Kind: command.Calibrate, Channel: 3, Scale: 2.5}, got[0])
	assert.Equal(t, command.ResetEnergy, got[1].Kind)
	assert.Equal(t, uint64(2), m.Stats().Commands)
}

func TestMQTT_RejectedCommandNotCounted(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{}, testMeterID.String())
	handler := m.controlHandler(func(command.Command) error { return pipeline.ErrCommandQueueFull })

	handler(nil, fakeMessage{payload: []byte(`{"command":"log_settings"}`)})
	assert.Zero(t, m.Stats().Commands)
}

func TestMQTT_NotConnected(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{Topic: "emon/reports", ControlTopic: "emon/control"}, "abc")
	assert.Equal(t, "emon-abc", m.clientID)
	assert.Equal(t, "mqtt", m.Name())

	err := m.Write(context.Background(), testReport())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), m.Stats().Errors)
	assert.False(t, m.Stats().Connected)

	assert.Error(t, m.Subscribe(func(command.Command) error { return nil }))

	m.cfg.ControlTopic = ""
	assert.NoError(t, m.Subscribe(func(command.Command) error { return nil }))

	m.Disconnect()
}

func TestMQTT_BrokerDownAtStartup(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{Broker: "127.0.0.1:1", Topic: "emon/reports", ControlTopic: "emon/control"}, "abc")
	m.connectTimeout = 100 * time.Millisecond
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.Stats().Connected)

	require.NoError(t, m.Subscribe(func(command.Command) error { return nil }))

	assert.Error(t, m.Write(context.Background(), testReport()))
	assert.Equal(t, uint64(1), m.Stats().Errors)
}

func TestMQTT_ConnectCancelled(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{Broker: "127.0.0.1:1"}, "abc")
	defer m.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Connect(ctx), context.Canceled)
}

func TestMQTT_ClientID(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{ClientID: "panel-1"}, "abc")
	assert.Equal(t, "panel-1", m.clientID)
}

func TestPoint(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Point("meter", testReport(), ts)

	assert.Equal(t, "meter", p.Name())
	assert.Equal(t, ts, p.Time())

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, testMeterID.String(), tags["meter_id"])

	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Len(t, fields, 2+1+5*2)
	assert.InDelta(t, 230.5, fields["v1_rms"], 1e-3)
	assert.InDelta(t, 100.25, fields["p1"], 1e-3)
	assert.InDelta(t, 0.87, fields["pf1"], 1e-3)
	assert.InDelta(t, 1234.9, fields["e1_wh"], 1e-9)
	assert.InDelta(t, -5, fields["p2"], 1e-3)
	assert.NotContains(t, fields, "pulse1")

	r := testReport()
	r.Pulses = []uint64{42}
	fields = map[string]interface{}{}
	for _, f := range Point("meter", r, ts).FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, uint64(42), fields["pulse1"])
}

func readFloat(t *testing.T, regs *registerMap, addr uint16) float32 {
	t.Helper()
	res, err := regs.HandleInputRegisters(&modbus.InputRegistersRequest{Addr: addr, Quantity: 2})
	require.NoError(t, err)
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], res[0])
	binary.BigEndian.PutUint16(b[2:4], res[1])
	return math.Float32frombits(binary.BigEndian.Uint32(b[:]))
}

func TestModbus_RegisterMap(t *testing.T) {
	s, err := NewModbus(config.ModbusConfig{URL: "tcp://127.0.0.1:5502", MaxClients: 1}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "modbus", s.Name())

	require.NoError(t, s.Write(context.Background(), testReport()))

	assert.Equal(t, float32(50), readFloat(t, s.regs, RegFrequency))
	assert.Equal(t, float32(230.5), readFloat(t, s.regs, RegVoltageBase))
	assert.Equal(t, float32(0.5), readFloat(t, s.regs, RegCurrentBase+CTCurrentRMS))
	assert.Equal(t, float32(100.25), readFloat(t, s.regs, RegCurrentBase+CTRealPower))
	assert.Equal(t, float32(115.25), readFloat(t, s.regs, RegCurrentBase+CTApparentPower))
	assert.Equal(t, float32(0.87), readFloat(t, s.regs, RegCurrentBase+CTPowerFactor))
	assert.InDelta(t, 1234.9, readFloat(t, s.regs, RegCurrentBase+CTEnergyWh), 1e-3)
	assert.Equal(t, float32(-5), readFloat(t, s.regs, RegCurrentBase+CTStride+CTRealPower))

	seq, err := s.regs.HandleInputRegisters(&modbus.InputRegistersRequest{Addr: RegSeq, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 7}, seq)

	r := testReport()
	r.Pulses = []uint64{0x0001_0002_0003_0004, 5, 6}
	require.NoError(t, s.Write(context.Background(), r))

	pulses, err := s.regs.HandleInputRegisters(&modbus.InputRegistersRequest{Addr: RegPulseBase, Quantity: 4 * MaxPulses})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3, 4, 0, 0, 0, 5}, pulses)
	assert.Equal(t, float32(230.5), readFloat(t, s.regs, RegVoltageBase))
}

func TestModbus_Errors(t *testing.T) {
	regs := newRegisterMap(2)

	_, err := regs.HandleInputRegisters(&modbus.InputRegistersRequest{Addr: RegCurrentBase + 2*CTStride - 1, Quantity: 2})
	assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)

	_, err = regs.HandleInputRegisters(&modbus.InputRegistersRequest{Addr: 0, Quantity: 0})
	assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)

	_, err = regs.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{Addr: 0, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrIllegalFunction)

	_, err = regs.HandleCoils(&modbus.CoilsRequest{})
	assert.ErrorIs(t, err, modbus.ErrIllegalFunction)

	_, err = NewModbus(config.ModbusConfig{URL: "tcp://127.0.0.1:5502"}, 25, 1)
	assert.Error(t, err)
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	s := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	assert.Equal(t, "log", s.Name())

	require.NoError(t, s.Write(context.Background(), testReport()))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "report", entry["msg"])
	assert.Equal(t, float64(7), entry["seq"])
	assert.Equal(t, testMeterID.String(), entry["meter_id"])
}
